package crypt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}, 1000)
	src := writeFile(t, dir, "in.h264", plain)
	keyPath := filepath.Join(dir, "key")
	ivPath := filepath.Join(dir, "iv")
	enc := filepath.Join(dir, "in_enc.h264")

	generated, err := Encrypt(src, enc, keyPath, ivPath)
	require.NoError(t, err)
	assert.True(t, generated)

	key, _ := os.ReadFile(keyPath)
	iv, _ := os.ReadFile(ivPath)
	assert.Len(t, key, KeyLength)
	assert.Len(t, iv, IVLength)

	cipherText, _ := os.ReadFile(enc)
	assert.Len(t, cipherText, len(plain))
	assert.NotEqual(t, plain, cipherText)

	out, err := DecryptToDir(enc, keyPath, ivPath, filepath.Join(dir, "work"))
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Existing key material is reused
	generated, err = Encrypt(src, enc, keyPath, ivPath)
	require.NoError(t, err)
	assert.False(t, generated)
}

func TestDecryptRejectsBadKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "in_enc.h264", []byte("ciphertext"))
	goodKey := writeFile(t, dir, "key", bytes.Repeat([]byte{1}, KeyLength))
	goodIV := writeFile(t, dir, "iv", bytes.Repeat([]byte{2}, IVLength))
	shortKey := writeFile(t, dir, "short_key", []byte{1, 2, 3})
	longIV := writeFile(t, dir, "long_iv", bytes.Repeat([]byte{2}, IVLength+1))
	dst := filepath.Join(dir, "out")

	tests := []struct {
		name    string
		src     string
		key     string
		iv      string
		wantErr error
	}{
		{"short key", src, shortKey, goodIV, ErrInvalidKeyLength},
		{"long iv", src, goodKey, longIV, ErrInvalidIVLength},
		{"missing key", src, filepath.Join(dir, "nope"), goodIV, ErrIO},
		{"missing input", filepath.Join(dir, "nope.h264"), goodKey, goodIV, ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decrypt(tt.src, dst, tt.key, tt.iv)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrSetup)
		})
	}
}
