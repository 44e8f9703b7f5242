package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/oculus/internal/decoder"
	"github.com/andresmejia3/oculus/internal/pipeline"
	"github.com/andresmejia3/oculus/internal/storage"
	"github.com/andresmejia3/oculus/internal/store"
	"github.com/andresmejia3/oculus/internal/types"
	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/andresmejia3/oculus/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RunOptions holds the flags of a local detection run.
type RunOptions struct {
	InputPath  string
	KeyPath    string
	IVPath     string
	OutputPath string
	WorkDir    string
	Record     bool
	NoProgress bool
	Model      ModelOptions
	Thresholds ThresholdOptions
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Decrypt, decode and detect a video locally",
	Long: `Runs the detection pipeline over one video without a server and writes one JSON
line per frame: {"frame_index":N,"labels":[{"name":...,"confidence":...}]}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLocal(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to the video, or s3://bucket/key")
	runCmd.Flags().StringVarP(&runOpts.KeyPath, "key", "k", "", "AES-128 key file (16 bytes) for an encrypted input")
	runCmd.Flags().StringVar(&runOpts.IVPath, "iv", "", "AES-128 IV file (16 bytes) for an encrypted input")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "-", "Results file, '-' for stdout")
	runCmd.Flags().StringVar(&runOpts.WorkDir, "work-dir", "", "Scratch directory for the decrypted copy (default: $OCULUS_WORK_DIR)")
	runCmd.Flags().BoolVar(&runOpts.Record, "record", false, "Record the run in PostgreSQL")
	runCmd.Flags().BoolVar(&runOpts.NoProgress, "no-progress", false, "Do not draw the progress bar")
	addModelFlags(runCmd, &runOpts.Model)
	addThresholdFlags(runCmd, &runOpts.Thresholds)

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

func validateRunFlags(opts *RunOptions) error {
	if _, _, ok := pipeline.ParseObjectURI(opts.InputPath); !ok {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
		}
	}
	if err := validateKeyFiles(opts.KeyPath, opts.IVPath); err != nil {
		return err
	}
	if opts.Model.Engines < 0 {
		return fmt.Errorf("invalid --engines: must be >= 1, got %d", opts.Model.Engines)
	}
	return nil
}

// runLocal drives the same pipeline a streaming session does, with a file sink.
func runLocal(ctx context.Context, opts RunOptions) error {
	if err := validateRunFlags(&opts); err != nil {
		utils.ShowError("Invalid run flags", err, nil)
		return err
	}
	th := thresholds(opts.Thresholds, cfg)
	if err := validateThresholds(th); err != nil {
		utils.ShowError("Invalid thresholds", err, nil)
		return err
	}

	root := pick(opts.WorkDir, cfg.WorkDir)
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(root, "run-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	req := &types.DetectRequest{Source: opts.InputPath, KeyPath: opts.KeyPath, IVPath: opts.IVPath, Thresholds: &th}
	preparer := &pipeline.SourcePreparer{}
	if cfg.MinIOEndpoint != "" {
		st, err := storage.NewStorage(storage.StorageConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return err
		}
		preparer.Fetcher = st
	}
	path, err := preparer.Prepare(ctx, req, workDir)
	if err != nil {
		utils.ShowError("Failed to prepare the input video", err, nil)
		return err
	}

	mc := modelConfig(opts.Model, cfg)
	req.Model = mc.Name
	model := worker.NewModel(log.Named("model"))
	if err := model.Initialize(ctx, mc); err != nil {
		utils.ShowError("Failed to initialize the detection model", err, nil)
		return err
	}
	defer model.Close()

	sink, err := pipeline.CreateJSONLinesFile(opts.OutputPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	runID := uuid.NewString()
	var rec *store.Store
	if opts.Record {
		db, err := openStore(ctx)
		if err != nil {
			utils.ShowError("Failed to open the session history", err, nil)
			return err
		}
		fingerprint, _ := utils.SourceFingerprint(path)
		if err := db.StartSessionWithFingerprint(ctx, runID, req, fingerprint); err != nil {
			log.Warn("failed to record run, continuing without history", zap.Error(err))
		} else {
			rec = db
		}
	}

	fmt.Fprintf(os.Stderr, "📼 Processing %s (run %s)\n", opts.InputPath, runID[:8])
	fmt.Fprintf(os.Stderr, "⚙️  Spawned %d detector engine(s) for model %s\n", mc.Engines, mc.Name)

	totalFrames := utils.GetTotalFrames(ctx, path)
	if totalFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalFrames = -1
	}
	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("🔍 Oculus Detecting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!opts.NoProgress),
	)

	runner := &pipeline.Runner{
		Producer:   decoder.New(cfg.FFmpegBin, log.Named("decoder")),
		Detector:   model,
		Thresholds: th,
		OnFrame: func(fr *types.FrameResult, _ time.Duration) {
			bar.Add(1)
			if rec != nil {
				if err := rec.RecordFrame(ctx, runID, fr); err != nil {
					log.Warn("failed to record frame", zap.Int("frame_index", fr.Index), zap.Error(err))
				}
			}
		},
	}
	sum, runErr := runner.Run(ctx, path, sink)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	st := types.StatusFromError(runErr)
	if rec != nil {
		if err := rec.FinishSession(context.Background(), runID, st, sum.Frames); err != nil {
			log.Warn("failed to record run status", zap.Error(err))
		}
	}

	switch {
	case st.Code == types.StatusEmptyInput:
		fmt.Fprintf(os.Stderr, "⚠️  %s produced no frames: empty or not a supported video\n", filepath.Base(opts.InputPath))
		return runErr
	case errors.Is(runErr, types.ErrCancelled):
		fmt.Fprintf(os.Stderr, "🛑 Cancelled after %d frames\n", sum.Frames)
		return runErr
	case runErr != nil:
		utils.ShowError(fmt.Sprintf("Detection stopped after %d frames (%s)", sum.Frames, st.Code), runErr, nil)
		return runErr
	}

	fmt.Fprintf(os.Stderr, "✅ %d frames, %d detections in %s\n", sum.Frames, sum.Detections, utils.FmtElapsed(sum.Elapsed))
	return nil
}
