package display

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/timzifer/wearsync/asset"
	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/runtime/records"
)

// Connector is the peer link the controller drives.
type Connector interface {
	Connect(ctx context.Context)
	Close() error
	OnConnected(fn func())
	OnConnectionFailed(fn func(error))
	OnSuspended(fn func(error))
}

// WeatherFeed is the sync protocol as seen by the watch.
type WeatherFeed interface {
	RequestResync(ctx context.Context) error
	OnWeatherUpdate(fn func(protocol.WeatherUpdate)) func()
}

// AssetFetcher resolves icons asynchronously.
type AssetFetcher interface {
	Resolve(ctx context.Context, ref records.AssetReference, done func(asset.Result))
}

// Controller serialises every state change through one goroutine. Store
// notifications, timer ticks, connection callbacks and asset completions are
// posted into its queue; Transition decides and the controller executes.
type Controller struct {
	conn     Connector
	feed     WeatherFeed
	assets   AssetFetcher
	renderer Renderer
	cfg      settings

	events   chan Event
	stopped  chan struct{}
	snapshot atomic.Pointer[Snapshot]
	running  atomic.Bool

	// Owned by the Run goroutine.
	state       State
	ctx         context.Context
	scheduler   Scheduler
	retry       *backoff.Backoff
	unsubscribe func()
	workers     sync.WaitGroup
}

// New wires a controller. The connection callbacks are registered right away;
// nothing happens until Run is called.
func New(conn Connector, feed WeatherFeed, assets AssetFetcher, renderer Renderer, opts ...Option) *Controller {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.listeners == nil {
		cfg.listeners = NewTimeZoneWatcher(time.Minute)
	}
	if renderer == nil {
		renderer = RendererFunc(func(Frame) {})
	}
	c := &Controller{
		conn:     conn,
		feed:     feed,
		assets:   assets,
		renderer: renderer,
		cfg:      cfg,
		events:   make(chan Event, cfg.queueSize),
		stopped:  make(chan struct{}),
		state:    Initial(),
		retry: &backoff.Backoff{
			Min:    cfg.reconnectMin,
			Max:    cfg.reconnectMax,
			Factor: 2,
			Jitter: true,
		},
	}
	c.snapshot.Store(snapshotOf(c.state))

	conn.OnConnected(func() { c.Post(Connected{}) })
	conn.OnConnectionFailed(func(err error) { c.Post(ConnectionFailed{Err: err}) })
	conn.OnSuspended(func(err error) { c.Post(Disconnected{Err: err}) })
	return c
}

// Post enqueues ev. It returns false once the controller has stopped.
func (c *Controller) Post(ev Event) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.stopped:
		return false
	}
}

// SetVisible reports a visibility change from the host.
func (c *Controller) SetVisible(visible bool) { c.Post(VisibilityChanged{Visible: visible}) }

// SetAmbient reports an ambient mode change from the host.
func (c *Controller) SetAmbient(ambient bool) { c.Post(AmbientChanged{Ambient: ambient}) }

// SetLowBitAmbient reports the display's low-bit ambient capability.
func (c *Controller) SetLowBitAmbient(lowBit bool) { c.Post(PropertiesChanged{LowBitAmbient: lowBit}) }

// TimeTick forwards the host's ambient tick.
func (c *Controller) TimeTick() { c.Post(TimeTick{}) }

// Tap forwards a completed tap gesture.
func (c *Controller) Tap() { c.Post(Tapped{}) }

// Snapshot returns the most recently committed state.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Run connects to the peer and processes events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	c.ctx = ctx
	defer c.shutdown()

	for _, ev := range c.cfg.initial {
		c.apply(ev)
	}
	c.cfg.logger.Info().Msg("display: starting")
	c.conn.Connect(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.apply(ev)
		}
	}
}

func (c *Controller) apply(ev Event) {
	next, effects := Transition(c.state, ev)
	c.state = next
	c.snapshot.Store(snapshotOf(next))
	if _, ok := ev.(Connected); ok {
		c.retry.Reset()
	}
	for _, fx := range effects {
		c.execute(fx)
	}
}

func (c *Controller) execute(fx Effect) {
	logger := c.cfg.logger
	switch fx := fx.(type) {
	case RegisterListeners:
		c.cfg.listeners.Register(func(loc *time.Location) {
			c.Post(TimeZoneChanged{Location: loc})
		})
	case UnregisterListeners:
		c.cfg.listeners.Unregister()
	case DisarmTimer:
		c.scheduler.Disarm()
	case ArmTimer:
		var delay time.Duration
		if !fx.Immediate {
			delay = NextTickDelay(c.cfg.now(), c.cfg.tickInterval)
		}
		gen := fx.Generation
		c.scheduler.Arm(c.ctx, delay, func() { c.Post(TickFired{Generation: gen}) })
	case Subscribe:
		c.unsubscribe = c.feed.OnWeatherUpdate(func(u protocol.WeatherUpdate) {
			c.Post(WeatherReceived{Update: u})
		})
		logger.Debug().Msg("display: subscribed to weather updates")
	case RequestResync:
		c.goWorker(func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.resyncTimeout)
			defer cancel()
			if err := c.feed.RequestResync(ctx); err != nil {
				logger.Debug().Err(err).Msg("display: resync request not sent")
			}
		})
	case Reconnect:
		delay := c.retry.Duration()
		logger.Warn().Err(fx.Err).Dur("retry_in", delay).Msg("display: peer unavailable")
		c.goWorker(func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-c.ctx.Done():
			case <-timer.C:
				c.conn.Connect(c.ctx)
			}
		})
	case ResolveAsset:
		c.assets.Resolve(c.ctx, fx.Ref, func(res asset.Result) {
			c.Post(AssetResolved{Result: res})
		})
	case Invalidate:
		c.draw(fx.Reason)
	}
}

func (c *Controller) goWorker(fn func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

func (c *Controller) draw(reason Reason) {
	s := c.state
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	c.cfg.telemetry.IncRedraw(string(reason))
	c.renderer.Draw(Frame{
		Time:      c.cfg.now().In(loc),
		Reason:    reason,
		Weather:   s.Weather,
		Mode:      s.Mode(),
		AntiAlias: s.AntiAlias,
		Alternate: s.Taps%2 == 1,
	})
}

func (c *Controller) shutdown() {
	close(c.stopped)
	c.scheduler.Disarm()
	if c.state.ListenersRegistered {
		c.cfg.listeners.Unregister()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if err := c.conn.Close(); err != nil {
		c.cfg.logger.Warn().Err(err).Msg("display: closing peer connection")
	}
	c.scheduler.Wait()
	c.workers.Wait()
	c.cfg.logger.Info().Msg("display: stopped")
}
