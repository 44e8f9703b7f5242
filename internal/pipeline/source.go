package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/oculus/internal/crypt"
	"github.com/andresmejia3/oculus/internal/types"
	"go.opentelemetry.io/otel"
)

// ObjectFetcher downloads an object-store object to a local file.
type ObjectFetcher interface {
	FetchObject(ctx context.Context, bucket, key, destPath string) error
}

// SourcePreparer turns a request's source into a local, plaintext video path.
type SourcePreparer struct {
	// Fetcher serves s3://bucket/key sources; nil disables them.
	Fetcher ObjectFetcher
	// Root, when set, confines local sources and key material to this directory.
	Root string
}

// Prepare fetches and decrypts as needed, working inside workDir. Every failure wraps types.ErrSetup.
func (p *SourcePreparer) Prepare(ctx context.Context, req *types.DetectRequest, workDir string) (string, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "SourcePreparer.Prepare")
	defer span.End()

	if req.Source == "" {
		return "", fmt.Errorf("%w: empty source", types.ErrSetup)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("%w: work dir: %v", types.ErrSetup, err)
	}

	var path string
	if bucket, key, ok := ParseObjectURI(req.Source); ok {
		if p.Fetcher == nil {
			return "", fmt.Errorf("%w: object storage is not configured for %s", types.ErrSetup, req.Source)
		}
		path = filepath.Join(workDir, "source_"+filepath.Base(key))
		if err := p.Fetcher.FetchObject(ctx, bucket, key, path); err != nil {
			return "", fmt.Errorf("%w: fetch %s: %v", types.ErrSetup, req.Source, err)
		}
	} else {
		local, err := p.confine(req.Source)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(local); err != nil {
			return "", fmt.Errorf("%w: source: %v", types.ErrSetup, err)
		}
		path = local
	}

	if !req.Encrypted() {
		return path, nil
	}
	if req.KeyPath == "" || req.IVPath == "" {
		return "", fmt.Errorf("%w: both key and iv are required for an encrypted source", types.ErrSetup)
	}
	keyPath, err := p.confine(req.KeyPath)
	if err != nil {
		return "", err
	}
	ivPath, err := p.confine(req.IVPath)
	if err != nil {
		return "", err
	}
	return crypt.DecryptToDir(path, keyPath, ivPath, workDir)
}

func (p *SourcePreparer) confine(path string) (string, error) {
	if p.Root == "" {
		return path, nil
	}
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return "", fmt.Errorf("%w: source root: %v", types.ErrSetup, err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the source root", types.ErrSetup, path)
	}
	return abs, nil
}

// ParseObjectURI splits s3://bucket/key.
func ParseObjectURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
