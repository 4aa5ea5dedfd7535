package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/sightline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeDetection(buf *bytes.Buffer, label string, conf float32, box [4]float32) {
	binary.Write(buf, binary.BigEndian, uint32(len(label)))
	buf.WriteString(label)
	binary.Write(buf, binary.BigEndian, conf)
	binary.Write(buf, binary.BigEndian, box)
}

func framed(payload []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(payload)))
	m.Write(payload)
	return m
}

func TestProcessFrame(t *testing.T) {
	// stdinMock simulates the pipe TO Python, dataPipeMock the pipe FROM Python
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [Count] { [LabelLen] [Label] [Conf] [Box] }
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	writeDetection(payload, "person", 0.91, [4]float32{10, 12, 40, 80})
	writeDetection(payload, "dog", 1.5, [4]float32{0, 0, 1, 1})

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: framed(payload.Bytes()),
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	pix := make([]byte, 2*1*4) // 2x1 RGBA
	pix[0] = 0xDE
	dets, err := w.ProcessFrame(pix, 2, 1)
	require.NoError(t, err)

	// [len][w][h][pixels]
	sent := stdinMock.Bytes()
	require.Len(t, sent, 4+8+len(pix))
	assert.Equal(t, uint32(8+len(pix)), binary.BigEndian.Uint32(sent[0:4]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(sent[4:8]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(sent[8:12]))
	assert.Equal(t, byte(0xDE), sent[12])

	require.Len(t, dets, 2)
	assert.Equal(t, "person", dets[0].Class)
	assert.InDelta(t, 0.91, dets[0].Confidence, 1e-6)
	assert.Equal(t, [4]float64{10, 12, 40, 80}, dets[0].Box)
	assert.Equal(t, "dog", dets[1].Class)
	assert.Equal(t, 1.0, dets[1].Confidence, "confidence is clamped to [0,1]")
}

func TestProcessFrame_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(payload.Bytes()),
	}

	_, err := w.ProcessFrame(make([]byte, 4), 1, 1)
	require.Error(t, err)
	assert.Equal(t, "python worker error: "+errMsg, err.Error())
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, errMsg, engineErr.Msg)
}

func TestProcessFrame_BadBuffer(t *testing.T) {
	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	_, err := w.ProcessFrame(make([]byte, 3), 1, 1)
	assert.Error(t, err)
}

func TestProcessFrame_WorkerDied(t *testing.T) {
	// An empty pipe is what a crashed interpreter looks like
	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	_, err := w.ProcessFrame(make([]byte, 4), 1, 1)
	assert.Error(t, err)
}

func TestParseResponse_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":          {},
		"unknown status": {7},
		"truncated":      {0, 0, 0, 0, 1, 0, 0},
		"label overflow": {0, 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseResponse(resp)
			assert.Error(t, err)
		})
	}
}

func TestParseResponse_Empty(t *testing.T) {
	dets, err := parseResponse([]byte{0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(math.NaN()))
	assert.Equal(t, 0.0, clamp01(-1))
	assert.Equal(t, 0.5, clamp01(0.5))
	assert.Equal(t, 1.0, clamp01(2))
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	fail   bool
	reject bool // answer with an in-band engine error
	closed bool
	got    []byte
}

func (e *fakeEngine) ProcessFrame(pix []byte, width, height int) ([]types.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.got = append([]byte(nil), pix...)
	if e.fail {
		return nil, errors.New("engine crashed")
	}
	if e.reject {
		return nil, &EngineError{Msg: "CUDA out of memory"}
	}
	return []types.Detection{{Class: "car", Confidence: 0.8}}, nil
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

type spawner struct {
	mu      sync.Mutex
	engines []*fakeEngine
	failOn  map[int]bool // spawn call number -> fail
	calls   int
	nextBad bool
}

func (s *spawner) spawn(ctx context.Context, id int) (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn[s.calls] {
		return nil, errors.New("spawn failed")
	}
	e := &fakeEngine{fail: s.nextBad}
	s.nextBad = false
	s.engines = append(s.engines, e)
	return e, nil
}

func TestPoolDetect(t *testing.T) {
	sp := &spawner{}
	pool, err := NewPool(context.Background(), 2, sp.spawn, nil)
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 2, pool.Size())

	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < 5; i++ {
		dets, err := pool.Detect(context.Background(), frame)
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.Equal(t, "car", dets[0].Class)
	}

	total := 0
	for _, e := range sp.engines {
		total += e.calls
	}
	assert.Equal(t, 5, total)
}

func TestPoolRestartsFailedEngine(t *testing.T) {
	sp := &spawner{nextBad: true}
	pool, err := NewPool(context.Background(), 1, sp.spawn, nil)
	require.NoError(t, err)
	defer pool.Close()

	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err = pool.Detect(context.Background(), frame)
	require.Error(t, err)

	require.Len(t, sp.engines, 2)
	assert.True(t, sp.engines[0].closed, "failed engine is closed")

	_, err = pool.Detect(context.Background(), frame)
	assert.NoError(t, err, "replacement engine serves the next frame")
}

func TestPoolKeepsEngineOnReportedError(t *testing.T) {
	// A second spawn would fail, so a restart would lose the only engine
	sp := &spawner{failOn: map[int]bool{2: true}}
	pool, err := NewPool(context.Background(), 1, sp.spawn, nil)
	require.NoError(t, err)
	defer pool.Close()

	sp.engines[0].reject = true
	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err = pool.Detect(context.Background(), frame)
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)

	assert.Equal(t, 1, sp.calls, "no respawn for an in-band error")
	assert.False(t, sp.engines[0].closed)
	assert.Equal(t, 1, pool.Size())

	sp.engines[0].mu.Lock()
	sp.engines[0].reject = false
	sp.engines[0].mu.Unlock()
	dets, err := pool.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.Equal(t, 2, sp.engines[0].calls)
}

func TestPoolLastEngineLost(t *testing.T) {
	sp := &spawner{nextBad: true, failOn: map[int]bool{2: true}}
	pool, err := NewPool(context.Background(), 1, sp.spawn, nil)
	require.NoError(t, err)
	defer pool.Close()

	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err = pool.Detect(context.Background(), frame)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Size())

	_, err = pool.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolStartFailureStopsEngines(t *testing.T) {
	sp := &spawner{failOn: map[int]bool{3: true}}
	_, err := NewPool(context.Background(), 3, sp.spawn, nil)
	require.Error(t, err)
	require.Len(t, sp.engines, 2)
	for _, e := range sp.engines {
		assert.True(t, e.closed)
	}
}

func TestPoolDetectHonoursContext(t *testing.T) {
	sp := &spawner{}
	pool, err := NewPool(context.Background(), 1, sp.spawn, nil)
	require.NoError(t, err)
	defer pool.Close()

	// Hold the only engine
	held := <-pool.idle
	defer func() { pool.idle <- held }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolSize(t *testing.T) {
	_, err := NewPool(context.Background(), 0, (&spawner{}).spawn, nil)
	assert.Error(t, err)
}

func TestCompactSubImage(t *testing.T) {
	full := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range full.Pix {
		full.Pix[i] = byte(i)
	}
	sub := full.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	got := compact(sub)
	require.Len(t, got, 2*2*4)
	assert.Equal(t, full.Pix[full.PixOffset(1, 1):full.PixOffset(3, 1)], got[:8])
	assert.Equal(t, full.Pix[full.PixOffset(1, 2):full.PixOffset(3, 2)], got[8:])

	assert.Same(t, &full.Pix[0], &compact(full)[0], "compact frames are passed through")
}
