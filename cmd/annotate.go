package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/sightline/internal/pipeline"
	"github.com/andresmejia3/sightline/internal/server"
	"github.com/andresmejia3/sightline/internal/store"
	"github.com/andresmejia3/sightline/internal/utils"
	"github.com/andresmejia3/sightline/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var annotateOpts Options

var annotateCmd = &cobra.Command{
	Use:         "annotate",
	Short:       "Detect objects in a video or image and write an annotated copy",
	Annotations: map[string]string{storeAnnotation: storeOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnnotate(cmd, annotateOpts)
	},
}

func init() {
	annotateCmd.Flags().StringVarP(&annotateOpts.InputPath, "input", "i", "", "Path to a video or image")
	annotateCmd.Flags().StringVarP(&annotateOpts.OutputPath, "output", "o", "", "Output path (default: <input>_annotated.avi or .jpg next to the input)")
	annotateCmd.Flags().IntVarP(&annotateOpts.Stride, "stride", "s", pipeline.DefaultStride, "Score every Nth frame of the video")
	annotateCmd.Flags().BoolVar(&annotateOpts.PerSecond, "per-second", false, "Also report the labels seen in each second of playback")
	annotateCmd.Flags().Float64VarP(&annotateOpts.Confidence, "conf", "c", 0.25, "Minimum detection confidence")
	annotateCmd.Flags().IntVar(&annotateOpts.ImgSize, "imgsz", 512, "Inference resolution")
	annotateCmd.Flags().IntVarP(&annotateOpts.NumEngines, "engines", "e", 1, "Number of detector engines")
	annotateCmd.Flags().StringVarP(&annotateOpts.ModelPath, "model", "m", "", "Model weights (default: $MODEL_PATH)")
	annotateCmd.Flags().StringVar(&annotateOpts.WorkerTimeout, "worker-timeout", "", "Per-frame detector deadline, e.g. 30s (default: $WORKER_TIMEOUT)")

	annotateCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(annotateCmd)
}

// defaultOutput derives an output path next to the input.
func defaultOutput(input string, media server.MediaType) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	if media == server.MediaImage {
		return base + "_annotated.jpg"
	}
	return base + "_annotated.avi"
}

func runAnnotate(cmd *cobra.Command, opts Options) error {
	if err := validateAnnotateFlags(&opts); err != nil {
		return err
	}
	ctx := cmd.Context()
	media := server.MediaTypeOf(opts.InputPath)

	bins := []string{Cfg.PythonBin}
	if media == server.MediaVideo {
		bins = append(bins, "ffmpeg", "ffprobe")
	}
	for _, bin := range bins {
		if err := utils.RequireBinary(bin); err != nil {
			utils.ShowError("Missing dependency", err, nil)
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Engines...\n", opts.NumEngines)
	pool, err := newDetector(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to start detector engines", err, nil)
		return err
	}
	defer pool.Close()

	p := pipeline.New(pool, pipeline.WithLogger(Log))
	start := time.Now()

	var (
		out      any
		analysis *store.Analysis
	)
	switch media {
	case server.MediaImage:
		res, err := p.AnnotateImage(ctx, opts.InputPath, opts.OutputPath)
		if err != nil {
			utils.ShowError("Annotation failed", err, nil)
			return err
		}
		out = res
		classes := make([]string, 0, len(res.Detections))
		for _, d := range res.Detections {
			classes = append(classes, d.Class)
		}
		analysis = &store.Analysis{MediaType: string(media), SourceName: filepath.Base(opts.InputPath), OutputPath: res.OutputPath, Detections: classes, FramesWritten: 1}

	case server.MediaVideo:
		// Total frames for the progress bar; -1 gives a spinner when unknown
		total := -1
		if info, err := video.Probe(ctx, opts.InputPath); err == nil && info.Frames > 0 {
			total = info.Frames
		}
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Sightline Annotating"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)

		res, err := p.Run(ctx, opts.InputPath, opts.OutputPath, pipeline.Options{
			Stride:    opts.Stride,
			PerSecond: opts.PerSecond,
			OnFrame:   func(int, bool) { bar.Add(1) },
		})
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			utils.ShowError("Annotation failed", err, nil)
			return err
		}
		out = res
		analysis = &store.Analysis{
			MediaType:     string(media),
			SourceName:    filepath.Base(opts.InputPath),
			OutputPath:    res.OutputPath,
			Detections:    res.Detections,
			PerSecond:     res.PerSecond,
			FramesWritten: res.FramesWritten,
		}
	}

	fmt.Fprintf(os.Stderr, "✅ Wrote %s in %s\n", opts.OutputPath, time.Since(start).Round(time.Millisecond))

	if DB != nil {
		if err := DB.RecordAnalysis(ctx, analysis); err != nil {
			Log.Warn("failed to record analysis", zap.Error(err))
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func validateAnnotateFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video or image file", err, nil)
		return err
	}

	media := server.MediaTypeOf(opts.InputPath)
	if media == server.MediaUnsupported {
		err := fmt.Errorf("unsupported file type %q", filepath.Ext(opts.InputPath))
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if opts.OutputPath == "" {
		opts.OutputPath = defaultOutput(opts.InputPath, media)
	}
	if media == server.MediaVideo && strings.ToLower(filepath.Ext(opts.OutputPath)) != ".avi" && strings.ToLower(filepath.Ext(opts.OutputPath)) != ".mp4" {
		err := fmt.Errorf("video output must end in .avi or .mp4, got %q", opts.OutputPath)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.Stride < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.Stride)
		utils.ShowError("Invalid stride", err, nil)
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.Confidence <= 0 || opts.Confidence > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.Confidence)
		utils.ShowError("Invalid confidence", err, nil)
		return err
	}
	if opts.ImgSize < 32 {
		err := fmt.Errorf("must be >= 32, got %d", opts.ImgSize)
		utils.ShowError("Invalid imgsz", err, nil)
		return err
	}
	if opts.WorkerTimeout != "" {
		if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
			utils.ShowError("Invalid worker-timeout format (use '30s', '500ms')", err, nil)
			return err
		}
	}
	return nil
}
