package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/sightline/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (analysis history, annotated results)",
	Long:        "Clears stored analyses and annotated outputs. With no flags both are cleared. Use --db or --files to pick one.",
	Annotations: map[string]string{storeAnnotation: storeRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		wantDB, wantFiles := resetDB, resetFiles
		if !wantDB && !wantFiles {
			wantDB, wantFiles = true, true
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, prompt)
		}

		if wantDB && ask("⚠️  Drop the analyses table?") {
			fmt.Println("🗑️  Clearing analysis history...")
			if err := DB.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if wantFiles && ask(fmt.Sprintf("⚠️  Delete annotated results in %s?", Cfg.ResultsDir)) {
			n, err := removeResults(Cfg.ResultsDir)
			if err != nil {
				utils.ShowError("Failed to clear results", err, nil)
				return err
			}
			fmt.Printf("🗑️  Removed %d result file(s)\n", n)
		}

		fmt.Println("✨ Reset complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the analysis history")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear annotated result files")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not prompt for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// isResultFile matches the names the service writes: <token>.jpg and <token>_out.avi.
func isResultFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, "_out.avi") || strings.HasSuffix(lower, ".jpg")
}

// removeResults deletes result files from dir, leaving anything else in place.
// A missing dir counts as already clean.
func removeResults(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !isResultFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
