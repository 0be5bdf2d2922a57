package display

import "github.com/timzifer/wearsync/runtime/records"

// Transition applies ev to s and returns the new state together with the
// effects the executor has to carry out, in order. It has no side effects.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case VisibilityChanged:
		return visibilityChanged(s, ev.Visible)
	case AmbientChanged:
		return ambientChanged(s, ev.Ambient)
	case PropertiesChanged:
		return propertiesChanged(s, ev.LowBitAmbient)
	case TimeZoneChanged:
		if ev.Location == nil {
			return s, nil
		}
		s.Location = ev.Location
		return s, []Effect{Invalidate{Reason: ReasonTimeZone}}
	case TickFired:
		return tickFired(s, ev.Generation)
	case TimeTick:
		return s, []Effect{Invalidate{Reason: ReasonTimeTick}}
	case Tapped:
		s.Taps++
		return s, []Effect{Invalidate{Reason: ReasonTap}}
	case Connected:
		return connected(s)
	case Disconnected:
		s.Connected = false
		return s, []Effect{Reconnect{Err: ev.Err}}
	case ConnectionFailed:
		s.Connected = false
		return s, []Effect{Reconnect{Err: ev.Err}}
	case WeatherReceived:
		return weatherReceived(s, ev)
	case AssetResolved:
		return assetResolved(s, ev)
	default:
		return s, nil
	}
}

func visibilityChanged(s State, visible bool) (State, []Effect) {
	var fx []Effect
	s.Visible = visible
	if visible {
		if !s.ListenersRegistered {
			s.ListenersRegistered = true
			fx = append(fx, RegisterListeners{})
		}
	} else if s.ListenersRegistered {
		s.ListenersRegistered = false
		fx = append(fx, UnregisterListeners{})
	}
	s, timer := reevaluateTimer(s)
	return s, append(fx, timer...)
}

func ambientChanged(s State, ambient bool) (State, []Effect) {
	if s.Ambient == ambient {
		return s, nil
	}
	s.Ambient = ambient
	s.AntiAlias = antiAlias(s)
	fx := []Effect{Invalidate{Reason: ReasonAmbient}}
	s, timer := reevaluateTimer(s)
	return s, append(fx, timer...)
}

func propertiesChanged(s State, lowBit bool) (State, []Effect) {
	s.LowBitAmbient = lowBit
	aa := antiAlias(s)
	if aa == s.AntiAlias {
		return s, nil
	}
	s.AntiAlias = aa
	return s, []Effect{Invalidate{Reason: ReasonDisplay}}
}

// antiAlias is disabled only while a low-bit display is in ambient mode.
func antiAlias(s State) bool {
	return !(s.LowBitAmbient && s.Ambient)
}

// reevaluateTimer always invalidates the current generation and arms an
// immediate tick when the timer should run.
func reevaluateTimer(s State) (State, []Effect) {
	s.TimerGeneration++
	s.TimerArmed = false
	fx := []Effect{DisarmTimer{}}
	if s.ShouldTick() {
		s.TimerArmed = true
		fx = append(fx, ArmTimer{Generation: s.TimerGeneration, Immediate: true})
	}
	return s, fx
}

func tickFired(s State, gen uint64) (State, []Effect) {
	if gen != s.TimerGeneration || !s.TimerArmed || !s.ShouldTick() {
		return s, nil
	}
	return s, []Effect{
		Invalidate{Reason: ReasonTick},
		ArmTimer{Generation: gen},
	}
}

func connected(s State) (State, []Effect) {
	var fx []Effect
	s.Connected = true
	if !s.Subscribed {
		s.Subscribed = true
		fx = append(fx, Subscribe{})
	}
	return s, append(fx, RequestResync{})
}

func weatherReceived(s State, ev WeatherReceived) (State, []Effect) {
	u := ev.Update
	if s.Weather.HasData && s.Current.SameContent(u) {
		s.Current.Version = u.Version
		return s, nil
	}
	s.Current = u
	s.Weather.MinTemp = u.MinTemp
	s.Weather.MaxTemp = u.MaxTemp
	s.Weather.Description = u.Description
	s.Weather.HasData = true
	fx := []Effect{Invalidate{Reason: ReasonWeather}}

	switch {
	case !s.ResolvedIcon.IsZero() && u.Icon == s.ResolvedIcon:
		// A fetch for another icon may still be running; its result is stale now.
		s.PendingIcon = records.AssetReference{}
	case u.Icon == s.PendingIcon:
	default:
		s.PendingIcon = u.Icon
		fx = append(fx, ResolveAsset{Ref: u.Icon})
	}
	return s, fx
}

func assetResolved(s State, ev AssetResolved) (State, []Effect) {
	res := ev.Result
	if s.PendingIcon.IsZero() || res.Ref != s.PendingIcon {
		return s, nil
	}
	s.PendingIcon = records.AssetReference{}
	if res.Err != nil || res.Image == nil {
		return s, nil
	}
	s.Weather.Icon = res.Image
	s.ResolvedIcon = res.Ref
	return s, []Effect{Invalidate{Reason: ReasonIcon}}
}
