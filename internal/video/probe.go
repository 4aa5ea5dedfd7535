package video

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/sightline/internal/utils"
)

// Info describes the first video stream of a media file as reported by ffprobe.
// Zero values mean the container did not declare that property.
type Info struct {
	FPS      float64
	Width    int
	Height   int
	Duration float64 // seconds
	Frames   int     // nb_frames from container metadata, 0 if unknown
}

type ffprobeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe against path and returns the stream properties of the first video stream.
// It fails if ffprobe cannot read the file or the file has no video stream.
func Probe(ctx context.Context, path string) (Info, error) {
	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames:format=duration",
		"-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		if logs := cmd.Logs(); logs != "" {
			return Info{}, fmt.Errorf("ffprobe: %w: %s", err, logs)
		}
		return Info{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Info{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return Info{}, fmt.Errorf("no video stream found")
	}

	s := res.Streams[0]
	info := Info{
		Width:  s.Width,
		Height: s.Height,
	}

	// r_frame_rate is the container's nominal rate; avg_frame_rate covers VFR files that leave it at 0/0
	info.FPS = parseRate(s.RFrameRate)
	if info.FPS == 0 {
		info.FPS = parseRate(s.AvgFrameRate)
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(res.Format.Duration), 64); err == nil && d > 0 {
		info.Duration = d
	}
	return info, nil
}

// parseRate converts an ffprobe rational ("30000/1001", "25/1", "0/0") into frames per second.
// Unreadable or degenerate rates return 0.
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	if !found {
		v, err := strconv.ParseFloat(num, 64)
		if err != nil || v < 0 {
			return 0
		}
		return v
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	if v := n / d; v > 0 {
		return v
	}
	return 0
}
