package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/facefilter/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB        bool
	resetFiles     bool
	resetOutputDir string
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Database, Rendered Outputs)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: needsDB,
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all stored detections?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", resetOutputDir)) {
				fmt.Println("🗑️  Clearing Output Files...")
				removeDir(resetOutputDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear stored detections in PostgreSQL")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear rendered outputs")
	resetCmd.Flags().StringVar(&resetOutputDir, "output-dir", "/data/output", "Directory holding rendered outputs")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
