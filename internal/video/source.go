package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/sightline/internal/utils"
)

// Source streams decoded RGBA frames out of an ffmpeg rawvideo pipe.
// Frames are read sequentially and the stream cannot be rewound: open a new
// Source to read the file again.
type Source struct {
	info   Info
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	frame  *image.RGBA
	closed bool
}

// NewFFmpegRawDecoder creates a decoder that writes raw RGBA frames to Stdout.
// -nostdin stops ffmpeg from swallowing the terminal when run from the CLI.
func NewFFmpegRawDecoder(ctx context.Context, inputPath string) *utils.SafeCommand {
	return utils.NewSafeCommand(ctx, "ffmpeg", "-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-f", "rawvideo", "-pix_fmt", "rgba", "-")
}

// OpenSource probes path and starts the decoder.
func OpenSource(ctx context.Context, path string) (*Source, error) {
	info, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid video dimensions %dx%d", info.Width, info.Height)
	}

	decoder := NewFFmpegRawDecoder(ctx, path)
	out, err := decoder.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := decoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	return &Source{
		info:  info,
		cmd:   decoder,
		out:   out,
		frame: image.NewRGBA(image.Rect(0, 0, info.Width, info.Height)),
	}, nil
}

// Info returns the probed stream properties.
func (s *Source) Info() Info {
	return s.info
}

// Read decodes the next frame. The returned image is reused by the next call to Read,
// so callers must finish with it first. A truncated trailing frame is treated as the
// end of the stream and reported as io.EOF.
func (s *Source) Read() (*image.RGBA, error) {
	if s.closed {
		return nil, io.EOF
	}
	_, err := io.ReadFull(s.out, s.frame.Pix)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return s.frame, nil
}

// Close stops the decoder and reaps the process. Closing before EOF kills ffmpeg
// with a broken pipe, so callers that stop early can expect an error here.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.out.Close()
	if err := s.cmd.Wait(); err != nil {
		if logs := s.cmd.Logs(); logs != "" {
			return fmt.Errorf("decoder exited: %w: %s", err, logs)
		}
		return fmt.Errorf("decoder exited: %w", err)
	}
	return nil
}
