package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/oculus/internal/crypt"
	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/spf13/cobra"
)

// CryptOptions holds the flags shared by encrypt and decrypt.
type CryptOptions struct {
	InputPath  string
	OutputPath string
	KeyPath    string
	IVPath     string
}

var encryptOpts, decryptOpts CryptOptions

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a video with AES-128-CTR",
	Long:  "Encrypts a file for use as an encrypted source. Missing key or IV files are generated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateCryptFlags(&encryptOpts, "encrypted_"); err != nil {
			return err
		}
		generated, err := crypt.Encrypt(encryptOpts.InputPath, encryptOpts.OutputPath, encryptOpts.KeyPath, encryptOpts.IVPath)
		if err != nil {
			utils.ShowError("Encryption failed", err, nil)
			return err
		}
		if generated {
			fmt.Fprintf(os.Stderr, "🔑 Generated key %s and IV %s\n", encryptOpts.KeyPath, encryptOpts.IVPath)
		}
		fmt.Fprintf(os.Stderr, "🔒 Wrote %s\n", encryptOpts.OutputPath)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt an AES-128-CTR video",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateCryptFlags(&decryptOpts, "decrypted_"); err != nil {
			return err
		}
		if err := validateKeyFiles(decryptOpts.KeyPath, decryptOpts.IVPath); err != nil {
			return err
		}
		if err := crypt.Decrypt(decryptOpts.InputPath, decryptOpts.OutputPath, decryptOpts.KeyPath, decryptOpts.IVPath); err != nil {
			utils.ShowError("Decryption failed", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🔓 Wrote %s\n", decryptOpts.OutputPath)
		return nil
	},
}

func init() {
	for _, c := range []struct {
		cmd  *cobra.Command
		opts *CryptOptions
	}{{encryptCmd, &encryptOpts}, {decryptCmd, &decryptOpts}} {
		c.cmd.Flags().StringVarP(&c.opts.InputPath, "input", "i", "", "Input file")
		c.cmd.Flags().StringVarP(&c.opts.OutputPath, "output", "o", "", "Output file (default: prefixed copy next to the input)")
		c.cmd.Flags().StringVarP(&c.opts.KeyPath, "key", "k", "key.bin", "Key file (16 bytes)")
		c.cmd.Flags().StringVar(&c.opts.IVPath, "iv", "iv.bin", "IV file (16 bytes)")
		c.cmd.MarkFlagRequired("input")
		rootCmd.AddCommand(c.cmd)
	}
}

// validateCryptFlags checks the input and derives a default output path.
func validateCryptFlags(opts *CryptOptions, prefix string) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory", opts.InputPath)
	}
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(filepath.Dir(opts.InputPath), prefix+filepath.Base(opts.InputPath))
	}
	if filepath.Clean(opts.OutputPath) == filepath.Clean(opts.InputPath) {
		return fmt.Errorf("output path must differ from the input")
	}
	return nil
}
