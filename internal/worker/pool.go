package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/sightline/internal/types"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Detect after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Engine is one detector process.
type Engine interface {
	ProcessFrame(pix []byte, width, height int) ([]types.Detection, error)
	Close()
}

// SpawnFunc starts engine number id.
type SpawnFunc func(ctx context.Context, id int) (Engine, error)

// PythonSpawner starts PythonWorkers with cfg.
func PythonSpawner(cfg Config) SpawnFunc {
	return func(ctx context.Context, id int) (Engine, error) {
		return NewPythonWorker(ctx, id, cfg)
	}
}

type slot struct {
	id     int
	engine Engine
}

// Pool hands frames to a fixed set of engines. Each engine serves one frame at
// a time; concurrent callers wait for a free one. It satisfies pipeline.Detector.
type Pool struct {
	ctx   context.Context
	spawn SpawnFunc
	log   *zap.Logger
	idle  chan *slot

	mu     sync.Mutex
	closed bool
	all    map[int]*slot
}

// NewPool starts size engines. If any fails to start, the ones already running are stopped.
func NewPool(ctx context.Context, size int, spawn SpawnFunc, log *zap.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		ctx:   ctx,
		spawn: spawn,
		log:   log,
		idle:  make(chan *slot, size),
		all:   make(map[int]*slot, size),
	}
	for i := 0; i < size; i++ {
		e, err := spawn(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start engine %d: %w", i, err)
		}
		s := &slot{id: i, engine: e}
		p.all[i] = s
		p.idle <- s
	}
	log.Info("detector pool ready", zap.Int("engines", size))
	return p, nil
}

// Detect runs one frame through the next free engine.
func (p *Pool) Detect(ctx context.Context, frame *image.RGBA) ([]types.Detection, error) {
	var s *slot
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, ErrPoolClosed
	}

	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	dets, err := s.engine.ProcessFrame(compact(frame), w, h)
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		p.log.Warn("engine rejected frame", zap.Int("engine", s.id), zap.Error(err))
		p.release(s)
		return nil, err
	}
	if err != nil {
		// The stream to this engine is out of sync or the process died, replace it
		p.log.Warn("engine failed, restarting", zap.Int("engine", s.id), zap.Error(err))
		p.restart(s)
		return nil, err
	}
	p.release(s)
	return dets, nil
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.engine.Close()
		return
	}
	p.idle <- s
}

func (p *Pool) restart(s *slot) {
	s.engine.Close()
	e, err := p.spawn(p.ctx, s.id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.log.Error("engine restart failed", zap.Int("engine", s.id), zap.Error(err))
		delete(p.all, s.id)
		if len(p.all) == 0 && !p.closed {
			// Nothing left to serve; wake waiters so they see ErrPoolClosed
			p.closed = true
			close(p.idle)
		}
		return
	}
	s.engine = e
	if p.closed {
		e.Close()
		return
	}
	p.idle <- s
}

// Size is the number of live engines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Close stops idle engines now and busy ones as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.idle)
	for s := range p.idle {
		s.engine.Close()
	}
}

// compact returns the frame pixels without row padding.
func compact(frame *image.RGBA) []byte {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	rowLen := w * 4
	if frame.Stride == rowLen && len(frame.Pix) == rowLen*h {
		return frame.Pix
	}
	out := make([]byte, 0, rowLen*h)
	for y := frame.Rect.Min.Y; y < frame.Rect.Max.Y; y++ {
		off := frame.PixOffset(frame.Rect.Min.X, y)
		out = append(out, frame.Pix[off:off+rowLen]...)
	}
	return out
}
