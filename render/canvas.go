package render

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/timzifer/wearsync/display"
)

const iconSize = 48

// Canvas rasterises frames into an RGBA image. The latest raster can be read
// concurrently with drawing.
type Canvas struct {
	palette Palette
	face    font.Face
	bounds  image.Rectangle

	mu   sync.Mutex
	img  *image.RGBA
	last Face
}

// NewCanvas creates a canvas of the given size in pixels.
func NewCanvas(width, height int) *Canvas {
	bounds := image.Rect(0, 0, width, height)
	return &Canvas{
		palette: DefaultPalette,
		face:    basicfont.Face7x13,
		bounds:  bounds,
		img:     image.NewRGBA(bounds),
	}
}

// Draw implements display.Renderer.
func (c *Canvas) Draw(frame display.Frame) {
	f := c.palette.Layout(frame)
	dst := image.NewRGBA(c.bounds)
	draw.Draw(dst, dst.Bounds(), image.NewUniform(f.Background), image.Point{}, draw.Src)

	w, h := c.bounds.Dx(), c.bounds.Dy()
	c.text(dst, f.Clock, (w-c.measure(f.Clock))/2, h/2-100)
	if f.Temperature != "" {
		c.text(dst, f.Temperature, (w-c.measure(f.Temperature))/2+50, h/2-20)
	}
	if f.ShowIcon {
		at := image.Pt(5, h/2-80)
		target := image.Rectangle{Min: at, Max: at.Add(image.Pt(iconSize, iconSize))}
		var scaler draw.Scaler = draw.NearestNeighbor
		if f.AntiAlias {
			scaler = draw.ApproxBiLinear
		}
		icon := frame.Weather.Icon
		scaler.Scale(dst, target, icon, icon.Bounds(), draw.Over, nil)
		c.text(dst, f.Description, (w-c.measure(f.Description))/2, target.Max.Y+5+c.ascent())
	}

	c.mu.Lock()
	c.img, c.last = dst, f
	c.mu.Unlock()
}

// Image returns the most recent raster. Callers must not modify it.
func (c *Canvas) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img
}

// Face returns the layout of the most recent frame.
func (c *Canvas) Face() Face {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// WritePNG encodes the most recent raster.
func (c *Canvas) WritePNG(w io.Writer) error {
	return png.Encode(w, c.Image())
}

func (c *Canvas) measure(s string) int {
	return font.MeasureString(c.face, s).Ceil()
}

func (c *Canvas) ascent() int {
	return c.face.Metrics().Ascent.Ceil()
}

// text draws s with a one pixel outline so it stays readable on any
// background.
func (c *Canvas) text(dst draw.Image, s string, x, y int) {
	for _, off := range [...]image.Point{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}} {
		c.drawString(dst, s, x+off.X, y+off.Y, c.palette.Outline)
	}
	c.drawString(dst, s, x, y, c.palette.Text)
}

func (c *Canvas) drawString(dst draw.Image, s string, x, y int, col color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: c.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
