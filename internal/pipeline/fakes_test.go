package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/sightline/internal/types"
	"github.com/andresmejia3/sightline/internal/video"
)

// fakeMedia serves a synthetic clip of Frames frames. Frame i has its first
// pixel's red channel set to i%256 so detectors can tell frames apart.
type fakeMedia struct {
	mu       sync.Mutex
	Info     video.Info
	Frames   int
	OpenErr  error
	SinkErr  error
	WriteErr error

	sources []*fakeSource
	sinks   []*fakeSink
}

func (m *fakeMedia) OpenSource(ctx context.Context, path string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &fakeSource{info: m.Info, total: m.Frames}
	m.sources = append(m.sources, s)
	return s, nil
}

func (m *fakeMedia) CreateSink(ctx context.Context, path string, fps float64, width, height int) (Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SinkErr != nil {
		return nil, m.SinkErr
	}
	s := &fakeSink{fps: fps, width: width, height: height, writeErr: m.WriteErr}
	m.sinks = append(m.sinks, s)
	return s, nil
}

type fakeSource struct {
	info   video.Info
	total  int
	next   int
	closed bool
	frame  *image.RGBA
}

func (s *fakeSource) Info() video.Info { return s.info }

func (s *fakeSource) Read() (*image.RGBA, error) {
	if s.next >= s.total {
		return nil, io.EOF
	}
	if s.frame == nil {
		s.frame = image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	}
	if len(s.frame.Pix) > 0 {
		s.frame.Pix[0] = byte(s.next % 256)
	}
	s.next++
	return s.frame, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeSink struct {
	fps           float64
	width, height int
	writeErr      error
	written       int
	last          *image.RGBA
	closed        bool
}

func (s *fakeSink) Write(frame *image.RGBA) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written++
	s.last = frame
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	if s.written == 0 {
		// Mirrors an encoder that refuses to finalize an empty stream
		return errors.New("no frames")
	}
	return nil
}

// scriptedDetector returns results from fn and counts calls. A nil fn means no detections.
type scriptedDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, frame *image.RGBA) ([]types.Detection, error)
}

func (d *scriptedDetector) Detect(ctx context.Context, frame *image.RGBA) ([]types.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(d.calls, frame)
}

func constantDetector(classes ...string) *scriptedDetector {
	return &scriptedDetector{fn: func(int, *image.RGBA) ([]types.Detection, error) {
		dets := make([]types.Detection, 0, len(classes))
		for _, c := range classes {
			dets = append(dets, types.Detection{Class: c, Confidence: 0.9, Box: [4]float64{1, 1, 5, 5}})
		}
		return dets, nil
	}}
}

func clip(frames int, fps float64) *fakeMedia {
	return &fakeMedia{
		Info:   video.Info{FPS: fps, Width: 16, Height: 8},
		Frames: frames,
	}
}
