package render

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/display"
)

// LogRenderer writes faces to a logger. Clock-only changes are logged at
// trace level so interactive ticks do not flood the debug output.
type LogRenderer struct {
	logger  zerolog.Logger
	palette Palette
	last    Face
	drawn   bool
}

// NewLogRenderer creates a renderer writing to logger.
func NewLogRenderer(logger zerolog.Logger) *LogRenderer {
	return &LogRenderer{logger: logger, palette: DefaultPalette}
}

// Draw implements display.Renderer.
func (r *LogRenderer) Draw(frame display.Frame) {
	face := r.palette.Layout(frame)
	level := zerolog.DebugLevel
	if r.drawn && sameContent(face, r.last) {
		level = zerolog.TraceLevel
	}
	r.last, r.drawn = face, true

	r.logger.WithLevel(level).
		Str("reason", string(frame.Reason)).
		Str("clock", face.Clock).
		Str("temperature", face.Temperature).
		Str("description", face.Description).
		Bool("icon", face.ShowIcon).
		Bool("ambient", frame.Mode.Ambient).
		Bool("connected", frame.Mode.Connected).
		Msg("render: face")
}

func sameContent(a, b Face) bool {
	return a.Temperature == b.Temperature &&
		a.Description == b.Description &&
		a.ShowIcon == b.ShowIcon &&
		a.Background == b.Background &&
		a.AntiAlias == b.AntiAlias
}
