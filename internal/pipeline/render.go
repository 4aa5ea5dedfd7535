package pipeline

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"

	"github.com/andresmejia3/sightline/internal/types"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// palette is indexed by a hash of the class name so a class keeps its colour across frames.
var palette = []color.RGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{146, 204, 23, 255},
	{61, 219, 134, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
	{44, 153, 168, 255},
	{0, 194, 255, 255},
	{52, 69, 147, 255},
	{100, 115, 255, 255},
	{0, 24, 236, 255},
	{132, 56, 255, 255},
	{82, 0, 133, 255},
	{203, 56, 255, 255},
	{255, 149, 200, 255},
	{255, 55, 199, 255},
}

// Renderer draws detections onto frames.
type Renderer struct {
	LineWidth float64
}

// NewRenderer returns a Renderer with the default box thickness.
func NewRenderer() *Renderer {
	return &Renderer{LineWidth: 2}
}

// ClassColor returns the box colour for a class.
func ClassColor(class string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(class))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Render draws every detection's box and "class confidence" tag onto frame in place
// and returns it. Zero detections leave the frame untouched.
func (r *Renderer) Render(frame *image.RGBA, dets []types.Detection) *image.RGBA {
	if len(dets) == 0 {
		return frame
	}

	bounds := frame.Bounds()
	dc := gg.NewContextForRGBA(frame)
	dc.SetFontFace(basicfont.Face7x13)
	dc.SetLineWidth(r.LineWidth)

	for _, d := range dets {
		box, ok := clipBox(d.Box, bounds)
		if !ok {
			continue
		}
		x, y := float64(box.Min.X), float64(box.Min.Y)
		w, h := float64(box.Dx()), float64(box.Dy())

		c := ClassColor(d.Class)
		dc.SetColor(c)
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		tw, th := dc.MeasureString(label)
		tagH := th + 4
		tagY := y - tagH
		if tagY < float64(bounds.Min.Y) {
			// No room above the box, put the tag inside it
			tagY = y
		}
		dc.DrawRectangle(x, tagY, tw+6, tagH)
		dc.Fill()

		dc.SetColor(color.White)
		dc.DrawString(label, x+3, tagY+th+1)
	}
	return frame
}

// clipBox converts [x1, y1, x2, y2] into a rectangle inside bounds.
// Boxes that are degenerate or fully outside the frame are dropped.
func clipBox(b [4]float64, bounds image.Rectangle) (image.Rectangle, bool) {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return image.Rectangle{}, false
		}
	}
	r := image.Rect(int(math.Round(b[0])), int(math.Round(b[1])), int(math.Round(b[2])), int(math.Round(b[3])))
	r = r.Intersect(bounds)
	if r.Empty() {
		return image.Rectangle{}, false
	}
	return r, true
}
