package display

import "time"

// Frame is everything a renderer needs to draw one face.
type Frame struct {
	Time      time.Time
	Reason    Reason
	Weather   WeatherState
	Mode      Mode
	AntiAlias bool
	// Alternate selects the second background colour, toggled by taps.
	Alternate bool
}

// Renderer draws frames. Draw runs on the controller goroutine and must not
// block.
type Renderer interface {
	Draw(Frame)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Frame)

// Draw calls f.
func (f RendererFunc) Draw(frame Frame) { f(frame) }
