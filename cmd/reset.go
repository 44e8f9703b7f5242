package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB   bool
	resetWork bool
	resetYes  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (session history, scratch files)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetWork {
			resetDB = true
			resetWork = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && (resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all session history tables?")) {
			fmt.Println("🗑️  Clearing Database...")
			db, err := openStore(cmd.Context())
			if err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if resetWork && (resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", cfg.WorkDir))) {
			fmt.Println("🗑️  Clearing Scratch Files...")
			removeDir(cfg.WorkDir)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Clear the PostgreSQL session history")
	resetCmd.Flags().BoolVar(&resetWork, "work", false, "Clear the scratch directory ($OCULUS_WORK_DIR)")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
