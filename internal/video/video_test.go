package video

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		rate string
		want float64
	}{
		{"25/1", 25},
		{"30000/1001", 29.97002997002997},
		{"0/0", 0},
		{"24", 24},
		{"", 0},
		{"abc/1", 0},
		{"-5/1", 0},
	}

	for _, tt := range tests {
		got := parseRate(tt.rate)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("parseRate(%q) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [{"width": 640, "height": 360, "r_frame_rate": "0/0", "avg_frame_rate": "25/1", "nb_frames": "100"}],
		"format": {"duration": "4.000000"}
	}`)

	info, err := parseProbe(out)
	require.NoError(t, err)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 360, info.Height)
	assert.Equal(t, 25.0, info.FPS, "falls back to avg_frame_rate when r_frame_rate is 0/0")
	assert.Equal(t, 100, info.Frames)
	assert.Equal(t, 4.0, info.Duration)

	info, err = parseProbe([]byte(`{"streams": [{"width": 2, "height": 2, "nb_frames": "N/A"}], "format": {}}`))
	require.NoError(t, err)
	assert.Zero(t, info.FPS, "unreadable rates are reported as zero")
	assert.Zero(t, info.Frames)

	_, err = parseProbe([]byte(`{"streams": []}`))
	assert.Error(t, err)

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}

func TestCodecArgs(t *testing.T) {
	args, err := codecArgs("/tmp/out.AVI")
	require.NoError(t, err)
	assert.Contains(t, args, "xvid")

	args, err = codecArgs("out.mp4")
	require.NoError(t, err)
	assert.Contains(t, args, "libx264")

	_, err = codecArgs("out.webm")
	assert.True(t, errors.Is(err, ErrUnsupportedContainer))
}

func TestCreateWriterRejectsBadTargets(t *testing.T) {
	ctx := context.Background()

	_, err := CreateWriter(ctx, filepath.Join(t.TempDir(), "out.avi"), 25, 0, 10)
	assert.Error(t, err)

	_, err = CreateWriter(ctx, filepath.Join(t.TempDir(), "out.avi"), 0, 10, 10)
	assert.Error(t, err)

	_, err = CreateWriter(ctx, filepath.Join(t.TempDir(), "out.gif"), 25, 10, 10)
	assert.True(t, errors.Is(err, ErrUnsupportedContainer))

	_, err = CreateWriter(ctx, filepath.Join(t.TempDir(), "missing", "dir", "out.avi"), 25, 10, 10)
	assert.Error(t, err, "unwritable output path must fail at open")
}

// TestBlankFrameRoundTrip encodes a single black frame and decodes it again.
func TestBlankFrameRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping ffmpeg round trip in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "blank_out.avi")
	const w, h = 64, 48

	blank := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(blank.Pix); i += 4 {
		blank.Pix[i] = 255
	}

	wr, err := CreateWriter(ctx, out, 24, w, h)
	require.NoError(t, err)
	require.NoError(t, wr.Write(blank))
	require.NoError(t, wr.Close())

	src, err := OpenSource(ctx, out)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, w, src.Info().Width)
	assert.Equal(t, h, src.Info().Height)

	frame, err := src.Read()
	require.NoError(t, err)
	for i := 0; i < len(frame.Pix); i += 4 {
		// Lossy codec, allow a small deviation from pure black
		if frame.Pix[i] > 16 || frame.Pix[i+1] > 16 || frame.Pix[i+2] > 16 {
			t.Fatalf("Pixel %d is not blank: %v", i/4, frame.Pix[i:i+4])
		}
	}

	_, err = src.Read()
	assert.True(t, errors.Is(err, io.EOF), "expected exactly one frame, got err=%v", err)
}
