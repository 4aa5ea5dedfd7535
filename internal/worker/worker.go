package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/sightline/internal/types"
	"github.com/andresmejia3/sightline/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a garbage length header allocating gigabytes.
	maxResponse = 64 * 1024 * 1024
)

// Config describes how to launch the detector engine.
type Config struct {
	Python      string        // interpreter, default "python3"
	Script      string        // engine script, default "python/worker.py"
	Model       string        // model weights passed to the script
	Confidence  float64       // minimum detection confidence
	ImgSize     int           // inference resolution
	ReadTimeout time.Duration // per-frame response deadline, 0 waits forever
}

// EngineError is a failure the engine reported in a well-formed response.
// The stream is still in sync, so the engine can keep serving.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return "python worker error: " + e.Msg
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewPythonWorker starts one engine process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	script := cfg.Script
	if script == "" {
		script = "python/worker.py"
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, python, "-u", script,
		"--model", cfg.Model,
		"--conf", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
		"--imgsz", strconv.Itoa(cfg.ImgSize),
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if w.ReadTimeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
			defer d.SetReadDeadline(time.Time{})
		}
	}

	// Read Result from the clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends one RGBA frame and decodes the detections.
// Request payload: [Width u32][Height u32][RGBA pixels].
func (w *PythonWorker) ProcessFrame(pix []byte, width, height int) ([]types.Detection, error) {
	if len(pix) != width*height*4 {
		return nil, fmt.Errorf("frame buffer is %d bytes, want %d for %dx%d", len(pix), width*height*4, width, height)
	}

	payload := make([]byte, 8+len(pix))
	binary.BigEndian.PutUint32(payload[0:4], uint32(width))
	binary.BigEndian.PutUint32(payload[4:8], uint32(height))
	copy(payload[8:], pix)

	resp, err := w.Communicate(payload)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// parseResponse decodes
//
//	[Status:0] [Count u32] { [LabelLen u32] [Label] [Conf f32] [Box 4×f32] }
//	[Status:1] [MsgLen u32] [Msg]
func parseResponse(resp []byte) ([]types.Detection, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}
	r := bytes.NewReader(resp[1:])

	switch resp[0] {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &EngineError{Msg: string(msg)}

	case statusOK:
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		dets := make([]types.Detection, 0, min(int(count), 1024))
		for i := uint32(0); i < count; i++ {
			var labelLen uint32
			if err := binary.Read(r, binary.BigEndian, &labelLen); err != nil {
				return nil, fmt.Errorf("malformed detection %d: %w", i, err)
			}
			if int(labelLen) > r.Len() {
				return nil, fmt.Errorf("malformed detection %d: label length %d exceeds payload", i, labelLen)
			}
			label := make([]byte, labelLen)
			if _, err := io.ReadFull(r, label); err != nil {
				return nil, fmt.Errorf("malformed detection %d: %w", i, err)
			}
			var fields [5]float32 // conf, x1, y1, x2, y2
			if err := binary.Read(r, binary.BigEndian, &fields); err != nil {
				return nil, fmt.Errorf("malformed detection %d: %w", i, err)
			}
			dets = append(dets, types.Detection{
				Class:      string(label),
				Confidence: clamp01(float64(fields[0])),
				Box:        [4]float64{float64(fields[1]), float64(fields[2]), float64(fields[3]), float64(fields[4])},
			})
		}
		return dets, nil

	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Close shuts the engine down and reaps the process.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
