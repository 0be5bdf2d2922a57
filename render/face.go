// Package render turns display frames into something visible: a text layout,
// a raster canvas or log lines.
package render

import (
	"fmt"
	"image/color"

	"github.com/shopspring/decimal"

	"github.com/timzifer/wearsync/display"
)

// Palette holds the face colours.
type Palette struct {
	Background    color.Color
	AltBackground color.Color
	Ambient       color.Color
	Text          color.Color
	Outline       color.Color
}

// DefaultPalette matches the stock face.
var DefaultPalette = Palette{
	Background:    color.RGBA{R: 0x03, G: 0xa9, B: 0xf4, A: 0xff},
	AltBackground: color.RGBA{R: 0x02, G: 0x77, B: 0xbd, A: 0xff},
	Ambient:       color.Black,
	Text:          color.White,
	Outline:       color.Black,
}

// Face is the laid out content of one frame.
type Face struct {
	Clock       string
	Temperature string
	Description string
	ShowIcon    bool
	Background  color.Color
	AntiAlias   bool
}

// Layout formats frame with the default palette.
func Layout(frame display.Frame) Face {
	return DefaultPalette.Layout(frame)
}

// Layout formats frame. The temperature line appears once weather is known;
// the description only together with an icon.
func (p Palette) Layout(frame display.Frame) Face {
	face := Face{
		Clock:     Clock(frame),
		AntiAlias: frame.AntiAlias,
	}
	switch {
	case frame.Mode.Ambient:
		face.Background = p.Ambient
	case frame.Alternate:
		face.Background = p.AltBackground
	default:
		face.Background = p.Background
	}

	w := frame.Weather
	if w.HasData {
		face.Temperature = Temperature(w.MinTemp, w.MaxTemp)
	}
	if w.Icon != nil {
		face.ShowIcon = true
		face.Description = w.Description
	}
	return face
}

// Clock renders the frame time on a 12 hour clock. Noon and midnight read 00.
func Clock(frame display.Frame) string {
	t := frame.Time
	suffix := "am"
	if t.Hour() >= 12 {
		suffix = "pm"
	}
	return fmt.Sprintf("%02d:%02d:%02d %s", t.Hour()%12, t.Minute(), t.Second(), suffix)
}

// Temperature renders "min - max" rounded half away from zero to whole degrees.
func Temperature(lo, hi float64) string {
	return wholeDegrees(lo) + " - " + wholeDegrees(hi)
}

func wholeDegrees(v float64) string {
	return decimal.NewFromFloat(v).Round(0).String()
}
