// Package peer tracks the link between the watch and its companion.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/telemetry"
)

// Transport represents a reusable link to the paired device.
//
// Dial blocks until the link is up or fails. lost is invoked at most once per
// successful dial when the link drops afterwards. Close releases the link and
// must not invoke lost.
type Transport interface {
	Dial(ctx context.Context, lost func(error)) error
	Close() error
}

// State enumerates the observable connection states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Option customises a Connection.
type Option func(*Connection)

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithTelemetry reports state transitions to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(c *Connection) {
		if collector != nil {
			c.telemetry = collector
		}
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Connection drives a Transport and fans state changes out to listeners.
// It never retries on its own; reconnect policy belongs to the caller.
type Connection struct {
	transport Transport
	logger    zerolog.Logger
	telemetry telemetry.Collector
	timeout   time.Duration

	mu          sync.Mutex
	state       State
	attempt     uint64
	cancel      context.CancelFunc
	earlyLoss   error
	onConnected []func()
	onFailed    []func(error)
	onSuspended []func(error)
}

// New wraps transport in a Connection. The connection starts disconnected.
func New(transport Transport, opts ...Option) *Connection {
	c := &Connection{
		transport: transport,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		timeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnected registers fn for successful connects.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

// OnConnectionFailed registers fn for failed connection attempts.
func (c *Connection) OnConnectionFailed(fn func(error)) {
	c.mu.Lock()
	c.onFailed = append(c.onFailed, fn)
	c.mu.Unlock()
}

// OnSuspended registers fn for links that drop after being established.
func (c *Connection) OnSuspended(fn func(error)) {
	c.mu.Lock()
	c.onSuspended = append(c.onSuspended, fn)
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt in the background. It is a no-op while
// an attempt is running or the link is already up.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.attempt++
	gen := c.attempt
	c.earlyLoss = nil
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.cancel = cancel
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	go c.dial(dialCtx, cancel, gen)
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	err := c.transport.Dial(ctx, func(err error) { c.lost(gen, err) })

	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return
	}
	c.cancel = nil
	if err == nil && c.earlyLoss != nil {
		// The link dropped before Dial returned.
		err = fmt.Errorf("peer: link lost while connecting: %w", c.earlyLoss)
	}
	c.earlyLoss = nil
	if err != nil {
		c.setStateLocked(Disconnected)
		listeners := append([]func(error){}, c.onFailed...)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("peer: connection failed")
		for _, fn := range listeners {
			fn(err)
		}
		return
	}
	c.setStateLocked(Connected)
	listeners := append([]func(){}, c.onConnected...)
	c.mu.Unlock()
	c.logger.Info().Msg("peer: connected")
	for _, fn := range listeners {
		fn()
	}
}

func (c *Connection) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		return
	}
	if c.state == Connecting {
		c.earlyLoss = err
		c.mu.Unlock()
		return
	}
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Disconnected)
	listeners := append([]func(error){}, c.onSuspended...)
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("peer: connection suspended")
	for _, fn := range listeners {
		fn(err)
	}
}

// Close tears the link down. No callbacks fire for this transition.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.attempt++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setStateLocked(Disconnected)
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.telemetry.SetConnectionState(int(s))
}
