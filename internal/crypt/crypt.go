// Package crypt implements the AES-128-CTR transform used to protect input videos at rest.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/oculus/internal/types"
)

const (
	// KeyLength is the cipher key length in bytes (128 bits).
	KeyLength = 16
	// IVLength is the counter block length in bytes (128 bits).
	IVLength = aes.BlockSize
)

var (
	ErrIO               = fmt.Errorf("%w: i/o failure", types.ErrSetup)
	ErrInvalidKeyLength = fmt.Errorf("%w: invalid key length, should be %d bits long", types.ErrSetup, KeyLength*8)
	ErrInvalidIVLength  = fmt.Errorf("%w: invalid IV length, should be %d bits long", types.ErrSetup, IVLength*8)
	ErrCipher           = fmt.Errorf("%w: cipher failure", types.ErrSetup)
)

// LoadKeyIV reads the key and IV files and checks their exact lengths.
func LoadKeyIV(keyPath, ivPath string) (key, iv []byte, err error) {
	key, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read key %s: %v", ErrIO, keyPath, err)
	}
	if len(key) != KeyLength {
		return nil, nil, fmt.Errorf("%w (got %d bytes)", ErrInvalidKeyLength, len(key))
	}
	iv, err = os.ReadFile(ivPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read iv %s: %v", ErrIO, ivPath, err)
	}
	if len(iv) != IVLength {
		return nil, nil, fmt.Errorf("%w (got %d bytes)", ErrInvalidIVLength, len(iv))
	}
	return key, iv, nil
}

// Decrypt writes the plaintext of srcPath to dstPath.
func Decrypt(srcPath, dstPath, keyPath, ivPath string) error {
	key, iv, err := LoadKeyIV(keyPath, ivPath)
	if err != nil {
		return err
	}
	return transformFile(srcPath, dstPath, key, iv)
}

// DecryptToDir decrypts srcPath into dir and returns the plaintext path.
func DecryptToDir(srcPath, keyPath, ivPath, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrIO, dir, err)
	}
	dst := filepath.Join(dir, "decrypted_"+filepath.Base(srcPath))
	if err := Decrypt(srcPath, dst, keyPath, ivPath); err != nil {
		return "", err
	}
	return dst, nil
}

// Encrypt writes the ciphertext of srcPath to dstPath. A missing key or IV file is
// generated from the OS random source and saved; generated reports whether that happened.
func Encrypt(srcPath, dstPath, keyPath, ivPath string) (generated bool, err error) {
	key, genKey, err := loadOrGenerate(keyPath, KeyLength)
	if err != nil {
		return false, err
	}
	iv, genIV, err := loadOrGenerate(ivPath, IVLength)
	if err != nil {
		return false, err
	}
	if len(key) != KeyLength {
		return false, fmt.Errorf("%w (got %d bytes)", ErrInvalidKeyLength, len(key))
	}
	if len(iv) != IVLength {
		return false, fmt.Errorf("%w (got %d bytes)", ErrInvalidIVLength, len(iv))
	}

	if err := transformFile(srcPath, dstPath, key, iv); err != nil {
		return false, err
	}

	if genKey {
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return false, fmt.Errorf("%w: write key: %v", ErrIO, err)
		}
	}
	if genIV {
		if err := os.WriteFile(ivPath, iv, 0600); err != nil {
			return false, fmt.Errorf("%w: write iv: %v", ErrIO, err)
		}
	}
	return genKey || genIV, nil
}

func loadOrGenerate(path string, size int) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	b = make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, false, fmt.Errorf("%w: random source: %v", ErrCipher, err)
	}
	return b, true, nil
}

// CTR is symmetric, so the same transform encrypts and decrypts.
func transformFile(srcPath, dstPath string, key, iv []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCipher, err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, srcPath, err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, dstPath, err)
	}

	stream := cipher.NewCTR(block, iv)
	if _, err := io.Copy(out, &cipher.StreamReader{S: stream, R: in}); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("%w: transform %s: %v", ErrIO, srcPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, dstPath, err)
	}
	return nil
}
