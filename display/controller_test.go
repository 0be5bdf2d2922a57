package display

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/timzifer/wearsync/asset"
	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/runtime/peer"
	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) Draw(f Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) count(reason Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Reason == reason {
			n++
		}
	}
	return n
}

func (r *recorder) first(reason Reason) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Reason == reason {
			return f, true
		}
	}
	return Frame{}, false
}

// gatedStore holds every asset fetch until the gate opens.
type gatedStore struct {
	*records.MemoryStore
	gate chan struct{}
	once sync.Once
}

func (g *gatedStore) open() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedStore) ResolveAsset(ctx context.Context, ref records.AssetReference) ([]byte, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryStore.ResolveAsset(ctx, ref)
}

type dropCounter struct {
	telemetry.Collector
	dropped atomic.Int32
}

func (d *dropCounter) IncUpdateDropped(string, string) { d.dropped.Add(1) }

type stubListeners struct {
	registered   atomic.Int32
	unregistered atomic.Int32
}

func (s *stubListeners) Register(func(*time.Location)) { s.registered.Add(1) }
func (s *stubListeners) Unregister()                   { s.unregistered.Add(1) }

type harness struct {
	watch     *gatedStore
	ctrl      *Controller
	frames    *recorder
	listeners *stubListeners
	drops     *dropCounter
}

func newHarness(t *testing.T, hub *records.Hub, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		watch:     &gatedStore{MemoryStore: hub.Endpoint("watch"), gate: make(chan struct{})},
		frames:    &recorder{},
		listeners: &stubListeners{},
		drops:     &dropCounter{Collector: telemetry.Noop()},
	}
	conn := peer.New(h.watch.MemoryStore)
	feed := protocol.New(h.watch, conn, protocol.WithTelemetry(h.drops))
	resolver := asset.New(h.watch, asset.WithTimeout(waitFor), asset.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	opts = append([]Option{
		WithListeners(h.listeners),
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)
	h.ctrl = New(conn, feed, resolver, h.frames, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.watch.open()
		require.NoError(t, <-done)
		resolver.Wait()
	})
	return h
}

func (h *harness) eventually(t *testing.T, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.ctrl.Snapshot()) }, waitFor, 5*time.Millisecond, msg)
}

// companion plays the phone: it answers resync requests with the configured
// weather and reuses the icon asset once uploaded.
type companion struct {
	store     *records.MemoryStore
	proto     *protocol.Protocol
	icon      []byte
	mu        sync.Mutex
	update    protocol.WeatherUpdate
	published atomic.Int32
}

func startCompanion(t *testing.T, hub *records.Hub, update protocol.WeatherUpdate) *companion {
	t.Helper()
	c := &companion{store: hub.Endpoint("phone"), icon: pngIcon(t), update: update}
	require.NoError(t, c.store.Dial(context.Background(), nil))
	c.proto = protocol.New(c.store, nil)
	cancel := c.proto.OnResyncRequest(func(time.Time) { c.publish(t) })
	t.Cleanup(func() {
		cancel()
		_ = c.store.Close()
	})
	return c
}

func (c *companion) publish(t *testing.T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	if c.update.Icon.IsZero() {
		ref, err := c.store.CreateAsset(ctx, c.icon)
		if err != nil {
			t.Errorf("create asset: %v", err)
			return
		}
		c.update.Icon = ref
	}
	if _, err := c.proto.PublishWeather(ctx, c.update); err != nil {
		t.Errorf("publish weather: %v", err)
		return
	}
	c.published.Add(1)
}

func (c *companion) iconRef() records.AssetReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.update.Icon
}

func pngIcon(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var cloudy = protocol.WeatherUpdate{MinTemp: -2, MaxTemp: 5, Description: "Cloudy"}

func TestControllerShowsWeatherBeforeIconResolves(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	phone := startCompanion(t, hub, cloudy)
	h := newHarness(t, hub)

	h.eventually(t, func(s Snapshot) bool { return s.Weather.HasData }, "weather never arrived")
	snap := h.ctrl.Snapshot()
	require.True(t, snap.Mode.Connected)
	require.True(t, snap.Subscribed)
	require.Equal(t, -2.0, snap.Weather.MinTemp)
	require.Equal(t, 5.0, snap.Weather.MaxTemp)
	require.Equal(t, "Cloudy", snap.Weather.Description)
	require.Nil(t, snap.Weather.Icon)
	require.Equal(t, phone.iconRef(), snap.PendingIcon)

	frame, ok := h.frames.first(ReasonWeather)
	require.True(t, ok)
	require.Nil(t, frame.Weather.Icon)
	require.Equal(t, "Cloudy", frame.Weather.Description)

	h.watch.open()
	h.eventually(t, func(s Snapshot) bool { return s.Weather.Icon != nil }, "icon never resolved")
	snap = h.ctrl.Snapshot()
	require.True(t, snap.PendingIcon.IsZero())
	require.Equal(t, phone.iconRef(), snap.ResolvedIcon)
	require.Equal(t, "Cloudy", snap.Weather.Description)
	require.Equal(t, 1, h.frames.count(ReasonWeather))
	require.Equal(t, 1, h.frames.count(ReasonIcon))
}

func TestControllerRecoversFromDisconnectDuringResolve(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	phone := startCompanion(t, hub, cloudy)
	h := newHarness(t, hub)

	h.eventually(t, func(s Snapshot) bool { return !s.PendingIcon.IsZero() }, "icon fetch never started")
	h.watch.Drop(errors.New("link lost"))
	h.eventually(t, func(s Snapshot) bool { return !s.Mode.Connected }, "disconnect not observed")

	h.eventually(t, func(s Snapshot) bool { return s.Mode.Connected }, "never reconnected")
	require.Eventually(t, func() bool { return phone.published.Load() >= 2 }, waitFor, 5*time.Millisecond)
	h.watch.open()

	h.eventually(t, func(s Snapshot) bool { return s.PendingIcon.IsZero() }, "icon fetch never finished")
	snap := h.ctrl.Snapshot()
	if snap.Weather.Icon != nil {
		require.Equal(t, phone.iconRef(), snap.ResolvedIcon)
	}
	require.Equal(t, "Cloudy", snap.Weather.Description)
	require.True(t, snap.Subscribed)
	require.Equal(t, 1, h.frames.count(ReasonWeather))
}

func TestControllerDropsMalformedWeather(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	startCompanion(t, hub, cloudy)
	h := newHarness(t, hub)
	h.watch.open()
	h.eventually(t, func(s Snapshot) bool { return s.Weather.Icon != nil }, "weather never arrived")
	before := h.ctrl.Snapshot()

	rogue := hub.Endpoint("rogue")
	require.NoError(t, rogue.Dial(context.Background(), nil))
	defer rogue.Close()
	_, err := rogue.Put(context.Background(), protocol.PathWeather, records.Fields{
		protocol.FieldMinTemp: records.FloatValue(10),
		protocol.FieldMaxTemp: records.FloatValue(20),
		protocol.FieldImage:   records.AssetValue(before.ResolvedIcon),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.drops.dropped.Load() == 1 }, waitFor, 5*time.Millisecond)
	after := h.ctrl.Snapshot()
	require.Equal(t, before.Weather, after.Weather)
	require.Equal(t, 1, h.frames.count(ReasonWeather))
}

func TestControllerVisibilityAndHostTicks(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	h := newHarness(t, hub, WithTickInterval(time.Hour))

	h.ctrl.SetVisible(true)
	h.ctrl.SetVisible(true)
	h.eventually(t, func(s Snapshot) bool { return s.ListenersRegistered && s.TimerArmed }, "not visible")
	require.Eventually(t, func() bool { return h.frames.count(ReasonTick) >= 1 }, waitFor, 5*time.Millisecond)

	h.ctrl.SetAmbient(true)
	h.eventually(t, func(s Snapshot) bool { return s.Mode.Ambient && !s.TimerArmed }, "timer still armed in ambient")
	h.ctrl.TimeTick()
	require.Eventually(t, func() bool { return h.frames.count(ReasonTimeTick) == 1 }, waitFor, 5*time.Millisecond)

	h.ctrl.SetVisible(false)
	h.ctrl.SetVisible(false)
	h.eventually(t, func(s Snapshot) bool { return !s.ListenersRegistered }, "listeners still registered")
	require.EqualValues(t, 1, h.listeners.registered.Load())
	require.EqualValues(t, 1, h.listeners.unregistered.Load())
}

func TestControllerLowBitAmbientAndTaps(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	h := newHarness(t, hub, WithInitialEvents(PropertiesChanged{LowBitAmbient: true}))

	h.ctrl.SetAmbient(true)
	h.eventually(t, func(s Snapshot) bool { return s.Mode.Ambient && !s.AntiAlias }, "anti-aliasing still enabled")

	h.ctrl.Tap()
	require.Eventually(t, func() bool {
		f, ok := h.frames.first(ReasonTap)
		return ok && f.Alternate && !f.AntiAlias
	}, waitFor, 5*time.Millisecond)
}

func TestControllerRetriesUnreachablePeer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := records.NewHub()
	startCompanion(t, hub, cloudy)
	watch := hub.Endpoint("watch")
	watch.SetReachable(false)

	conn := peer.New(watch)
	feed := protocol.New(watch, conn)
	resolver := asset.New(watch)
	var failures atomic.Int32
	conn.OnConnectionFailed(func(error) { failures.Add(1) })
	ctrl := New(conn, feed, resolver, nil,
		WithListeners(&stubListeners{}),
		WithReconnectBackoff(5*time.Millisecond, 10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return failures.Load() >= 2 }, waitFor, 5*time.Millisecond)
	require.False(t, ctrl.Snapshot().Mode.Connected)

	watch.SetReachable(true)
	require.Eventually(t, func() bool { return ctrl.Snapshot().Weather.Icon != nil }, waitFor, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	resolver.Wait()
	require.Equal(t, peer.Disconnected, conn.State())
}

type instantConn struct {
	connected []func()
}

func (c *instantConn) Connect(context.Context) {
	for _, fn := range c.connected {
		go fn()
	}
}

func (c *instantConn) Close() error                   { return nil }
func (c *instantConn) OnConnected(fn func())          { c.connected = append(c.connected, fn) }
func (c *instantConn) OnConnectionFailed(func(error)) {}
func (c *instantConn) OnSuspended(func(error))        {}

type failingFeed struct {
	calls atomic.Int32
}

func (f *failingFeed) RequestResync(context.Context) error {
	f.calls.Add(1)
	return records.ErrNotConnected
}

func (f *failingFeed) OnWeatherUpdate(func(protocol.WeatherUpdate)) func() { return func() {} }

func TestControllerLogsFailedResync(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	var logs bytes.Buffer
	feed := &failingFeed{}
	ctrl := New(&instantConn{}, feed, nil, nil,
		WithListeners(&stubListeners{}),
		WithLogger(zerolog.New(zerolog.SyncWriter(&logs)).Level(zerolog.DebugLevel)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return feed.calls.Load() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ctrl.Snapshot().Subscribed }, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Contains(t, logs.String(), "display: resync request not sent")
	require.Contains(t, logs.String(), records.ErrNotConnected.Error())
}
