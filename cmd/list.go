package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/sightline/internal/store"
	"github.com/andresmejia3/sightline/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	listLimit int
	listID    string
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List recorded analyses, newest first",
	Long:        "Lists recorded analyses. With --id, shows one analysis in full, including its per-second labels.",
	Annotations: map[string]string{storeAnnotation: storeRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listID != "" {
			return runShow(cmd, listID)
		}
		return runList(cmd)
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of analyses to show (0 for all)")
	listCmd.Flags().StringVar(&listID, "id", "", "Show a single analysis by ID")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	analyses, err := DB.ListAnalyses(cmd.Context(), listLimit)
	if err != nil {
		utils.ShowError("Failed to list analyses", err, nil)
		return err
	}

	if len(analyses) == 0 {
		fmt.Println("No analyses found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSOURCE\tFRAMES\tDETECTIONS\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t------\t----------\t-------")

	for _, a := range analyses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", a.ID, a.MediaType, a.SourceName, a.FramesWritten, joinLabels(a.Detections), a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		utils.ShowError("Invalid analysis ID", err, nil)
		return err
	}
	a, err := DB.GetAnalysis(cmd.Context(), id)
	if store.IsNotFound(err) {
		err = fmt.Errorf("no analysis with id %s", id)
		utils.ShowError("Analysis not found", err, nil)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to load analysis", err, nil)
		return err
	}
	return printAnalysis(os.Stdout, a)
}

// printAnalysis writes one analysis as key/value lines followed by its per-second buckets.
func printAnalysis(out io.Writer, a *store.Analysis) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", a.ID)
	fmt.Fprintf(w, "Type:\t%s\n", a.MediaType)
	fmt.Fprintf(w, "Source:\t%s\n", a.SourceName)
	fmt.Fprintf(w, "Output:\t%s\n", a.OutputPath)
	fmt.Fprintf(w, "Frames:\t%d\n", a.FramesWritten)
	fmt.Fprintf(w, "Detections:\t%s\n", joinLabels(a.Detections))
	fmt.Fprintf(w, "Created:\t%s\n", a.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	if len(a.PerSecond) > 0 {
		fmt.Fprintln(w, "\nSECOND\tLABELS")
		secs := make([]int, 0, len(a.PerSecond))
		for sec := range a.PerSecond {
			secs = append(secs, sec)
		}
		sort.Ints(secs)
		for _, sec := range secs {
			fmt.Fprintf(w, "%d\t%s\n", sec, joinLabels(a.PerSecond[sec]))
		}
	}
	return w.Flush()
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return "-"
	}
	return strings.Join(labels, ", ")
}
