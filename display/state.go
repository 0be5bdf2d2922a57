// Package display drives the watch face: it decides when to redraw, when to
// ask the companion for fresh data and when to fetch the weather icon.
package display

import (
	"image"
	"time"

	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/runtime/records"
)

// WeatherState is the latest weather known to the face. The scalar fields
// always come from the same update; Icon stays nil until the first icon
// resolves and then only changes on a successful resolve.
type WeatherState struct {
	MinTemp     float64
	MaxTemp     float64
	Description string
	Icon        image.Image
	HasData     bool
}

// Mode is the part of the state that gates scheduling.
type Mode struct {
	Visible   bool
	Ambient   bool
	Connected bool
}

// State is owned by the controller goroutine and only changed by Transition.
type State struct {
	Visible       bool
	Ambient       bool
	Connected     bool
	LowBitAmbient bool
	AntiAlias     bool

	ListenersRegistered bool
	Subscribed          bool
	TimerArmed          bool
	TimerGeneration     uint64

	Weather      WeatherState
	Current      protocol.WeatherUpdate
	PendingIcon  records.AssetReference
	ResolvedIcon records.AssetReference

	Location *time.Location
	Taps     int
}

// Initial returns the state of a freshly created face.
func Initial() State {
	return State{AntiAlias: true, Location: time.Local}
}

// Mode returns the scheduling-relevant flags.
func (s State) Mode() Mode {
	return Mode{Visible: s.Visible, Ambient: s.Ambient, Connected: s.Connected}
}

// ShouldTick reports whether the periodic redraw timer should run.
func (s State) ShouldTick() bool {
	return s.Visible && !s.Ambient
}

// Snapshot is an immutable view of the controller state for renderers and
// hosts.
type Snapshot struct {
	Mode                Mode
	Weather             WeatherState
	LowBitAmbient       bool
	AntiAlias           bool
	TimerArmed          bool
	ListenersRegistered bool
	Subscribed          bool
	PendingIcon         records.AssetReference
	ResolvedIcon        records.AssetReference
	Location            *time.Location
	Taps                int
}

func snapshotOf(s State) *Snapshot {
	return &Snapshot{
		Mode:                s.Mode(),
		Weather:             s.Weather,
		LowBitAmbient:       s.LowBitAmbient,
		AntiAlias:           s.AntiAlias,
		TimerArmed:          s.TimerArmed,
		ListenersRegistered: s.ListenersRegistered,
		Subscribed:          s.Subscribed,
		PendingIcon:         s.PendingIcon,
		ResolvedIcon:        s.ResolvedIcon,
		Location:            s.Location,
		Taps:                s.Taps,
	}
}
