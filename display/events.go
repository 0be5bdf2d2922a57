package display

import (
	"time"

	"github.com/timzifer/wearsync/asset"
	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/runtime/records"
)

// Event is an input to Transition.
type Event interface {
	isEvent()
}

// Connected reports that the peer link is up.
type Connected struct{}

// Disconnected reports that an established link dropped.
type Disconnected struct{ Err error }

// ConnectionFailed reports that a connection attempt failed.
type ConnectionFailed struct{ Err error }

// VisibilityChanged reports that the face was shown or hidden.
type VisibilityChanged struct{ Visible bool }

// AmbientChanged reports a switch between interactive and ambient mode.
type AmbientChanged struct{ Ambient bool }

// PropertiesChanged reports display capabilities.
type PropertiesChanged struct{ LowBitAmbient bool }

// TimeZoneChanged reports a new local time zone.
type TimeZoneChanged struct{ Location *time.Location }

// WeatherReceived carries a decoded weather update.
type WeatherReceived struct{ Update protocol.WeatherUpdate }

// TickFired is delivered by the scheduler for the timer armed with Generation.
type TickFired struct{ Generation uint64 }

// TimeTick is the host's once-a-minute tick in ambient mode.
type TimeTick struct{}

// Tapped reports a completed tap gesture on the face.
type Tapped struct{}

// AssetResolved carries the outcome of an icon fetch.
type AssetResolved struct{ Result asset.Result }

func (Connected) isEvent()         {}
func (Disconnected) isEvent()      {}
func (ConnectionFailed) isEvent()  {}
func (VisibilityChanged) isEvent() {}
func (AmbientChanged) isEvent()    {}
func (PropertiesChanged) isEvent() {}
func (TimeZoneChanged) isEvent()   {}
func (WeatherReceived) isEvent()   {}
func (TickFired) isEvent()         {}
func (TimeTick) isEvent()          {}
func (Tapped) isEvent()            {}
func (AssetResolved) isEvent()     {}

// Reason names why a redraw was requested.
type Reason string

const (
	ReasonTick     Reason = "tick"
	ReasonTimeTick Reason = "time_tick"
	ReasonAmbient  Reason = "ambient"
	ReasonDisplay  Reason = "display"
	ReasonTimeZone Reason = "timezone"
	ReasonWeather  Reason = "weather"
	ReasonIcon     Reason = "icon"
	ReasonTap      Reason = "tap"
)

// Effect is an instruction produced by Transition for the executor.
type Effect interface {
	isEffect()
}

// RegisterListeners asks the host to start delivering time zone changes.
type RegisterListeners struct{}

// UnregisterListeners stops time zone delivery.
type UnregisterListeners struct{}

// ArmTimer schedules the next redraw tick. Immediate ticks fire without
// waiting for the next second boundary.
type ArmTimer struct {
	Generation uint64
	Immediate  bool
}

// DisarmTimer cancels any pending tick.
type DisarmTimer struct{}

// Subscribe starts weather update delivery.
type Subscribe struct{}

// RequestResync asks the companion to republish the weather.
type RequestResync struct{}

// Reconnect asks for another connection attempt after a backoff delay.
type Reconnect struct{ Err error }

// ResolveAsset starts fetching the icon behind Ref.
type ResolveAsset struct{ Ref records.AssetReference }

// Invalidate requests a redraw.
type Invalidate struct{ Reason Reason }

func (RegisterListeners) isEffect()   {}
func (UnregisterListeners) isEffect() {}
func (ArmTimer) isEffect()            {}
func (DisarmTimer) isEffect()         {}
func (Subscribe) isEffect()           {}
func (RequestResync) isEffect()       {}
func (Reconnect) isEffect()           {}
func (ResolveAsset) isEffect()        {}
func (Invalidate) isEffect()          {}
