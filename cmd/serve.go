package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/sightline/internal/metrics"
	"github.com/andresmejia3/sightline/internal/objectstore"
	"github.com/andresmejia3/sightline/internal/pipeline"
	"github.com/andresmejia3/sightline/internal/server"
	"github.com/andresmejia3/sightline/internal/tracing"
	"github.com/andresmejia3/sightline/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	servePort    int
	serveEngines int
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the HTTP prediction service",
	Long:        "Serves POST /predict for uploaded videos and images. Settings come from the environment; flags override them.",
	Annotations: map[string]string{storeAnnotation: storeOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("port") {
			Cfg.Port = servePort
		}
		if cmd.Flags().Changed("engines") {
			Cfg.Engines = serveEngines
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 10000, "Listen port (default: $PORT or 10000)")
	serveCmd.Flags().IntVarP(&serveEngines, "engines", "e", 1, "Number of detector engines (default: $ENGINES or 1)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if err := Cfg.Validate(); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	for _, bin := range []string{"ffmpeg", "ffprobe", Cfg.PythonBin} {
		if err := utils.RequireBinary(bin); err != nil {
			utils.ShowError("Missing dependency", err, nil)
			return err
		}
	}

	// Tracing (non-fatal if the collector is unavailable)
	if Cfg.OTelEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, Cfg.OTelEndpoint, "sightline")
		if err != nil {
			Log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	pool, err := newDetector(ctx, Options{
		Confidence: Cfg.Confidence,
		ImgSize:    Cfg.ImgSize,
		NumEngines: Cfg.Engines,
	})
	if err != nil {
		utils.ShowError("Failed to start detector engines", err, nil)
		return err
	}
	defer pool.Close()

	var extra []server.Option
	if DB != nil {
		extra = append(extra, server.WithRecorder(DB))
	}
	if Cfg.MirrorEnabled() {
		mirror, err := objectstore.New(objectstore.Config{
			Endpoint:  Cfg.MinIOEndpoint,
			AccessKey: Cfg.MinIOAccessKey,
			SecretKey: Cfg.MinIOSecretKey,
			UseSSL:    Cfg.MinIOUseSSL,
			Bucket:    Cfg.MinIOBucket,
		})
		if err == nil {
			err = mirror.EnsureBucket(ctx)
		}
		if err != nil {
			Log.Warn("object storage unavailable, results stay local", zap.Error(err))
		} else {
			extra = append(extra, server.WithUploader(mirror))
			Log.Info("mirroring results", zap.String("bucket", mirror.Bucket()))
		}
	}

	srv, err := server.New(pipeline.New(pool, pipeline.WithLogger(Log)), server.Options{
		ResultsDir:     Cfg.ResultsDir,
		UploadDir:      Cfg.UploadDir,
		MaxUploadBytes: Cfg.MaxUploadMB << 20,
		CORSOrigin:     Cfg.CORSOrigin,
		Stride:         Cfg.Stride,
		PerSecond:      Cfg.PerSecond,
	}, Log, extra...)
	if err != nil {
		utils.ShowError("Failed to initialize server", err, nil)
		return err
	}

	metricsSrv := metrics.StartMetricsServer(Cfg.MetricsPort, Log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	// Bind 0.0.0.0
	return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", Cfg.Port))
}
