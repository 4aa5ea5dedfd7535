package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/andresmejia3/sightline/internal/metrics"
	"github.com/andresmejia3/sightline/internal/types"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ImageResult is the outcome of annotating a still image.
type ImageResult struct {
	OutputPath string          `json:"output_path"`
	Detections []types.Labeled `json:"detections"`
}

// AnnotateImage scores a single image and writes the annotated copy to output as JPEG.
// It is the one-frame case of Run: the frame is always scored.
func (p *Pipeline) AnnotateImage(ctx context.Context, input, output string) (*ImageResult, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.AnnotateImage")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues("image").Observe(time.Since(start).Seconds())
	}()

	frame, err := loadRGBA(input)
	if err != nil {
		return nil, &InputOpenError{Path: input, Err: err}
	}

	dets, err := p.detector.Detect(ctx, frame)
	if err != nil {
		return nil, &DetectorError{Pass: "image", Frame: 1, Err: err}
	}
	metrics.FramesTotal.WithLabelValues("scored").Inc()
	frame = p.renderer.Render(frame, dets)

	f, err := os.Create(output)
	if err != nil {
		return nil, &OutputCreateError{Path: output, Op: "open", Err: err}
	}
	if err := jpeg.Encode(f, frame, &jpeg.Options{Quality: 92}); err != nil {
		f.Close()
		return nil, &OutputCreateError{Path: output, Op: "write", Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &OutputCreateError{Path: output, Op: "close", Err: err}
	}

	labeled := make([]types.Labeled, 0, len(dets))
	for _, d := range dets {
		labeled = append(labeled, types.Labeled{Class: d.Class, Confidence: d.Confidence})
	}
	p.log.Info("image annotated", zap.String("input", input), zap.Int("detections", len(labeled)))
	return &ImageResult{OutputPath: output, Detections: labeled}, nil
}

// loadRGBA decodes a JPEG or PNG into an RGBA buffer the renderer can draw on.
func loadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}
