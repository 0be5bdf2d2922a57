package display

import (
	"bytes"
	"os"
	"sync"
	"time"
)

// Listeners is the host collaborator registered while the face is visible.
// notify may be called from any goroutine.
type Listeners interface {
	Register(notify func(*time.Location))
	Unregister()
}

// TimeZoneWatcher polls the system time zone and reports changes. The current
// zone is reported once right after Register.
type TimeZoneWatcher struct {
	interval time.Duration
	load     func() (*time.Location, []byte)

	mu   sync.Mutex
	stop chan struct{}
}

// NewTimeZoneWatcher creates a watcher polling every interval.
func NewTimeZoneWatcher(interval time.Duration) *TimeZoneWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TimeZoneWatcher{interval: interval, load: systemZone}
}

// Register starts polling. Calling it while registered is a no-op.
func (w *TimeZoneWatcher) Register(notify func(*time.Location)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	stop := make(chan struct{})
	w.stop = stop
	go w.run(stop, notify)
}

// Unregister stops polling. It does not wait for a notification in flight.
func (w *TimeZoneWatcher) Unregister() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
}

func (w *TimeZoneWatcher) run(stop chan struct{}, notify func(*time.Location)) {
	loc, fingerprint := w.load()
	notify(loc)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		next, nextPrint := w.load()
		if next.String() == loc.String() && bytes.Equal(nextPrint, fingerprint) {
			continue
		}
		loc, fingerprint = next, nextPrint
		select {
		case <-stop:
			return
		default:
		}
		notify(loc)
	}
}

// systemZone resolves the zone from $TZ or /etc/localtime. The returned
// fingerprint changes whenever the zone data does.
func systemZone() (*time.Location, []byte) {
	if tz, ok := os.LookupEnv("TZ"); ok && tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc, []byte(tz)
		}
	}
	data, err := os.ReadFile("/etc/localtime")
	if err != nil {
		return time.Local, nil
	}
	loc, err := time.LoadLocationFromTZData("Local", data)
	if err != nil {
		return time.Local, nil
	}
	return loc, data
}
