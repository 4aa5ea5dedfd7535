package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/sightline/internal/utils"
)

// ErrUnsupportedContainer is returned when no codec is configured for the output extension.
var ErrUnsupportedContainer = errors.New("unsupported output container")

// codecArgs selects the encoder for the container implied by the output path.
// There is no fallback: an unknown extension is an error.
func codecArgs(outputPath string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(outputPath)) {
	case ".avi":
		// XVID fourcc inside AVI plays back almost everywhere
		return []string{"-c:v", "mpeg4", "-vtag", "xvid", "-q:v", "3"}, nil
	case ".mp4":
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p", "-movflags", "+faststart"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContainer, filepath.Ext(outputPath))
	}
}

// NewFFmpegEncoder creates an encoder that reads raw RGBA frames from Stdin.
// Frame rate and size are passed through untouched so the output is frame-for-frame.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int, codec []string) *utils.SafeCommand {
	args := []string{"-y", "-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
	}
	args = append(args, codec...)
	args = append(args, "-r", strconv.FormatFloat(fps, 'f', -1, 64), outputPath)
	return utils.NewSafeCommand(ctx, "ffmpeg", args...)
}

// Writer encodes RGBA frames into a media file through an ffmpeg pipe.
type Writer struct {
	cmd       *utils.SafeCommand
	in        io.WriteCloser
	width     int
	height    int
	frameSize int
	closed    bool
}

// CreateWriter validates the target and starts the encoder.
// The output file is created up front so an unwritable path fails here rather than on first write.
func CreateWriter(ctx context.Context, outputPath string, fps float64, width, height int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output dimensions %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid output frame rate %v", fps)
	}
	codec, err := codecArgs(outputPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, err
	}
	f.Close()

	encoder := NewFFmpegEncoder(ctx, outputPath, fps, width, height, codec)
	in, err := encoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := encoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	return &Writer{
		cmd:       encoder,
		in:        in,
		width:     width,
		height:    height,
		frameSize: width * height * 4,
	}, nil
}

// Write encodes one frame. The frame must match the writer's dimensions.
func (w *Writer) Write(frame *image.RGBA) error {
	if w.closed {
		return fmt.Errorf("write on closed encoder")
	}
	b := frame.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), w.width, w.height)
	}

	if frame.Stride == w.width*4 && len(frame.Pix) >= w.frameSize {
		_, err := w.in.Write(frame.Pix[:w.frameSize])
		return w.wrap(err)
	}

	// Sub-images carry a wider stride, send them row by row
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := w.in.Write(frame.Pix[off : off+w.width*4]); err != nil {
			return w.wrap(err)
		}
	}
	return nil
}

func (w *Writer) wrap(err error) error {
	if err == nil {
		return nil
	}
	if logs := w.cmd.Logs(); logs != "" {
		return fmt.Errorf("encoder write: %w: %s", err, logs)
	}
	return fmt.Errorf("encoder write: %w", err)
}

// Close flushes the encoder and waits for ffmpeg to finish the container.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.in.Close()
	if err := w.cmd.Wait(); err != nil {
		if logs := w.cmd.Logs(); logs != "" {
			return fmt.Errorf("encoder exited: %w: %s", err, logs)
		}
		return fmt.Errorf("encoder exited: %w", err)
	}
	return nil
}
