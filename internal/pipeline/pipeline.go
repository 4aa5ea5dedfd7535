package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/sightline/internal/metrics"
	"github.com/andresmejia3/sightline/internal/types"
	"github.com/andresmejia3/sightline/internal/video"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Detector finds objects in a single frame. Implementations must be safe for
// sequential reuse and must not keep the frame after returning.
type Detector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]types.Detection, error)
}

// Source yields frames in order until io.EOF. A returned frame is only valid
// until the next Read.
type Source interface {
	Info() video.Info
	Read() (*image.RGBA, error)
	Close() error
}

// Sink consumes the ordered output frames.
type Sink interface {
	Write(frame *image.RGBA) error
	Close() error
}

// Media opens sources and creates sinks. FFmpeg is the production implementation.
type Media interface {
	OpenSource(ctx context.Context, path string) (Source, error)
	CreateSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error)
}

// State is a step of a pipeline run, used in logs when a run fails.
type State string

const (
	StateOpeningSource        State = "OPENING_SOURCE"
	StateStreaming            State = "STREAMING"
	StateFinalizingPrimary    State = "FINALIZING_PRIMARY"
	StateAggregatingPerSecond State = "AGGREGATING_PER_SECOND"
	StateDone                 State = "DONE"
	StateFailed               State = "FAILED"
)

// Options tune one run.
type Options struct {
	Stride    int  // primary pass scores every Stride-th frame, 0 means DefaultStride
	PerSecond bool // run the second pass that buckets labels per playback second

	// OnFrame, if set, is called after every frame written by the primary pass.
	OnFrame func(counter int, scored bool)
}

// Result is the outcome of a successful video run. The caller owns OutputPath.
type Result struct {
	OutputPath    string        `json:"output_path"`
	Detections    []string      `json:"detections"`
	PerSecond     SecondBuckets `json:"detections_per_second,omitempty"`
	FramesWritten int           `json:"frames_written"`
	FramesScored  int           `json:"frames_scored"`
	FPS           float64       `json:"fps"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
}

// Pipeline annotates media with a Detector. One Pipeline serves many runs; runs
// share nothing except the detector.
type Pipeline struct {
	detector Detector
	media    Media
	renderer *Renderer
	log      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMedia replaces the ffmpeg backed media layer.
func WithMedia(m Media) Option {
	return func(p *Pipeline) { p.media = m }
}

// WithRenderer replaces the default renderer.
func WithRenderer(r *Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New builds a Pipeline around detector.
func New(detector Detector, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector: detector,
		media:    FFmpegMedia{},
		renderer: NewRenderer(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run annotates the video at input and writes the result to output.
// Any failure aborts the whole run; handles are closed before the error is returned.
func (p *Pipeline) Run(ctx context.Context, input, output string, opts Options) (*Result, error) {
	stride := opts.Stride
	if stride == 0 {
		stride = DefaultStride
	}
	if stride < 1 {
		return nil, fmt.Errorf("stride must be >= 1, got %d", stride)
	}

	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("pipeline.stride", stride), attribute.Bool("pipeline.per_second", opts.PerSecond))

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()

	log := p.log.With(zap.String("input", input), zap.String("output", output))
	state := StateOpeningSource
	fail := func(err error) (*Result, error) {
		kind := KindOf(err)
		metrics.PipelineFailures.WithLabelValues(string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline failed", zap.String("state", string(state)), zap.String("kind", string(kind)), zap.Error(err))
		state = StateFailed
		return nil, err
	}

	res, err := p.primary(ctx, input, output, stride, opts.OnFrame, &state, log)
	if err != nil {
		return fail(err)
	}

	if opts.PerSecond {
		state = StateAggregatingPerSecond
		duration := float64(res.FramesWritten) / res.FPS
		buckets, err := p.perSecond(ctx, input, res.FPS, duration)
		if err != nil {
			return fail(err)
		}
		res.PerSecond = buckets
	}

	state = StateDone
	log.Info("pipeline finished",
		zap.Int("frames_written", res.FramesWritten),
		zap.Int("frames_scored", res.FramesScored),
		zap.Strings("detections", res.Detections),
	)
	return res, nil
}

// primary covers OPENING_SOURCE, STREAMING and FINALIZING_PRIMARY.
func (p *Pipeline) primary(ctx context.Context, input, output string, stride int, onFrame func(int, bool), state *State, log *zap.Logger) (*Result, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.primary")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues("primary").Observe(time.Since(start).Seconds())
	}()

	src, err := p.media.OpenSource(ctx, input)
	if err != nil {
		return nil, &InputOpenError{Path: input, Err: err}
	}
	info := src.Info()
	fps := EffectiveFPS(info.FPS)
	if fps != info.FPS {
		log.Warn("source reports no usable frame rate, falling back", zap.Float64("reported", info.FPS), zap.Float64("fps", fps))
	}

	sink, err := p.media.CreateSink(ctx, output, fps, info.Width, info.Height)
	if err != nil {
		src.Close()
		return nil, &OutputCreateError{Path: output, Op: "open", Err: err}
	}

	*state = StateStreaming
	labels := LabelSet{}
	written, scored, streamErr := p.stream(ctx, src, sink, stride, labels, output, onFrame)

	*state = StateFinalizingPrimary
	if err := src.Close(); err != nil {
		// The decoder exiting non-zero after a short or corrupt stream is not fatal
		log.Debug("source close", zap.Error(err))
	}
	sinkErr := sink.Close()
	if streamErr != nil {
		return nil, streamErr
	}
	if sinkErr != nil {
		if written > 0 {
			return nil, &OutputCreateError{Path: output, Op: "close", Err: sinkErr}
		}
		// An encoder fed zero frames may refuse to finalize; the file is rewritten below
		log.Debug("empty encoder close", zap.Error(sinkErr))
	}

	if written == 0 {
		log.Warn("source produced no frames, writing a blank frame", zap.Int("width", info.Width), zap.Int("height", info.Height))
		if err := p.writeBlank(ctx, output, fps, info.Width, info.Height); err != nil {
			return nil, err
		}
		written = 1
	}

	span.SetAttributes(attribute.Int("pipeline.frames_written", written), attribute.Int("pipeline.frames_scored", scored))
	return &Result{
		OutputPath:    output,
		Detections:    labels.Sorted(),
		FramesWritten: written,
		FramesScored:  scored,
		FPS:           fps,
		Width:         info.Width,
		Height:        info.Height,
	}, nil
}

// stream reads every frame, scoring the ones the sampler picks, and writes all of them.
func (p *Pipeline) stream(ctx context.Context, src Source, sink Sink, stride int, labels LabelSet, output string, onFrame func(int, bool)) (int, int, error) {
	counter, written, scored := 0, 0, 0
	for {
		frame, err := src.Read()
		if errors.Is(err, io.EOF) {
			// A decoder killed by cancellation also ends in EOF
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, scored, fmt.Errorf("read frame %d: %w", counter+1, ctxErr)
			}
			return written, scored, nil
		}
		if err != nil {
			return written, scored, fmt.Errorf("read frame %d: %w", counter+1, err)
		}
		counter++
		metrics.FramesTotal.WithLabelValues("read").Inc()

		isScored := ShouldScore(counter, stride)
		if isScored {
			dets, err := p.detector.Detect(ctx, frame)
			if err != nil {
				return written, scored, &DetectorError{Pass: "primary", Frame: counter, Err: err}
			}
			labels.Add(dets)
			frame = p.renderer.Render(frame, dets)
			scored++
			metrics.FramesTotal.WithLabelValues("scored").Inc()
		}

		if err := sink.Write(frame); err != nil {
			return written, scored, &OutputCreateError{Path: output, Op: "write", Err: err}
		}
		written++
		if onFrame != nil {
			onFrame(counter, isScored)
		}
	}
}

// writeBlank rewrites output as a single opaque black frame of the declared size.
func (p *Pipeline) writeBlank(ctx context.Context, output string, fps float64, width, height int) error {
	sink, err := p.media.CreateSink(ctx, output, fps, width, height)
	if err != nil {
		return &OutputCreateError{Path: output, Op: "open", Err: err}
	}
	if err := sink.Write(BlankFrame(width, height)); err != nil {
		sink.Close()
		return &OutputCreateError{Path: output, Op: "write", Err: err}
	}
	if err := sink.Close(); err != nil {
		return &OutputCreateError{Path: output, Op: "close", Err: err}
	}
	return nil
}

// BlankFrame returns an opaque black frame.
func BlankFrame(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// perSecond is AGGREGATING_PER_SECOND. It decodes the source again on its own
// cadence: the first frame of every second is scored, independent of the stride.
func (p *Pipeline) perSecond(ctx context.Context, input string, fps, duration float64) (SecondBuckets, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.per_second")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues("per_second").Observe(time.Since(start).Seconds())
	}()

	src, err := p.media.OpenSource(ctx, input)
	if err != nil {
		return nil, &InputOpenError{Path: input, Err: err}
	}
	defer src.Close()

	rate := SecondRate(fps)
	buckets := NewSecondBuckets(duration)

	for index := 0; ; index++ {
		frame, err := src.Read()
		if errors.Is(err, io.EOF) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("read frame %d: %w", index, ctxErr)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame %d: %w", index, err)
		}
		if !ScoresSecond(index, rate) {
			continue
		}
		sec := index / rate
		if !buckets.Has(sec) {
			// Fractional frame rates can run past floor(duration); there is no bucket to fill
			continue
		}

		dets, err := p.detector.Detect(ctx, frame)
		if err != nil {
			return nil, &DetectorError{Pass: "per_second", Frame: index, Err: err}
		}
		buckets.Add(sec, dets)
		metrics.FramesTotal.WithLabelValues("second_scored").Inc()
	}
	return buckets, nil
}

// FFmpegMedia reads and writes media through ffmpeg subprocesses.
type FFmpegMedia struct{}

func (FFmpegMedia) OpenSource(ctx context.Context, path string) (Source, error) {
	src, err := video.OpenSource(ctx, path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (FFmpegMedia) CreateSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error) {
	w, err := video.CreateWriter(ctx, path, fps, width, height)
	if err != nil {
		return nil, err
	}
	return w, nil
}
