package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

var (
	_ records.Store          = (*Store)(nil)
	_ records.AssetPublisher = (*Store)(nil)
)

// Option customises a Store.
type Option func(*Store)

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTelemetry reports record traffic to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *Store) {
		if collector != nil {
			s.telemetry = collector
		}
	}
}

type subscription struct {
	pattern string
	fn      records.Handler
}

// Store binds the record store contract to an MQTT broker. Records are
// published retained under "<prefix><path>" so a late subscriber receives
// the latest value; assets live under "<prefix>/assets/<id>".
type Store struct {
	settings  Settings
	logger    zerolog.Logger
	telemetry telemetry.Collector

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
	lost      func(error)
	subs      map[uint64]subscription
	lookups   map[string]map[uint64]chan []byte
	latest    map[string]records.Record
	changed   chan struct{}
	nextID    atomic.Uint64

	// topicMu orders broker subscribe and unsubscribe calls.
	topicMu sync.Mutex

	versionMu   sync.Mutex
	lastVersion int64
}

// NewStore creates a disconnected store.
func NewStore(settings Settings, opts ...Option) (*Store, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	s := &Store{
		settings:  settings,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		subs:      make(map[uint64]subscription),
		lookups:   make(map[string]map[uint64]chan []byte),
		latest:    make(map[string]records.Record),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dial connects to the broker. lost is invoked when the connection drops
// afterwards; it is not invoked for Close.
func (s *Store) Dial(ctx context.Context, lost func(error)) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	client, err := buildClient(s.settings.Connection, s.logger, s.handleOnConnect, s.handleLost)
	if err != nil {
		return err
	}
	// The client is known before the connect completes so a loss racing the
	// connect ack is attributed to it.
	s.mu.Lock()
	s.client = client
	s.lost = nil
	s.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		s.forget(client)
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		s.forget(client)
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}

	s.mu.Lock()
	if s.client != client || !client.IsConnectionOpen() {
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
		client.Disconnect(0)
		return fmt.Errorf("mqtt: connection lost while connecting: %w", records.ErrNotConnected)
	}
	s.connected = true
	s.lost = lost
	s.mu.Unlock()
	s.logger.Info().Str("broker", s.settings.Connection.Broker).Msg("mqtt: connected")
	return nil
}

// Close disconnects from the broker without notifying the lost callback.
func (s *Store) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.lost = nil
	s.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (s *Store) forget(client mqtt.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
}

func (s *Store) handleLost(client mqtt.Client, err error) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.client = nil
	lost := s.lost
	s.lost = nil
	s.mu.Unlock()
	if lost != nil {
		lost(err)
	}
}

// handleOnConnect re-establishes every record subscription. The broker
// replays retained values for each one.
func (s *Store) handleOnConnect(client mqtt.Client) {
	for _, topic := range s.topics() {
		s.subscribeTopic(client, topic)
	}
}

func (s *Store) topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.subs))
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		topic := s.settings.recordTopic(sub.pattern)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (s *Store) subscribeTopic(client mqtt.Client, topic string) {
	s.topicMu.Lock()
	token := client.Subscribe(topic, s.settings.QoS, s.dispatch)
	s.topicMu.Unlock()
	go func() {
		if !token.WaitTimeout(s.settings.Connection.ConnectTimeout) {
			s.logger.Warn().Str("topic", topic).Msg("mqtt: subscribe timeout")
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: subscribe failed")
		}
	}()
}

func (s *Store) connectedClient() (mqtt.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.connected && s.client != nil
}

// Subscribe registers fn for records matching pattern.
func (s *Store) Subscribe(pattern string, fn records.Handler) func() {
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.subs[id] = subscription{pattern: pattern, fn: fn}
	s.mu.Unlock()

	if client, ok := s.connectedClient(); ok {
		s.subscribeTopic(client, s.settings.recordTopic(pattern))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			topic := s.settings.recordTopic(pattern)
			s.topicMu.Lock()
			defer s.topicMu.Unlock()
			s.mu.Lock()
			delete(s.subs, id)
			inUse := s.topicInUseLocked(topic)
			s.mu.Unlock()
			if client, ok := s.connectedClient(); ok && !inUse {
				client.Unsubscribe(topic)
			}
		})
	}
}

// topicInUseLocked reports whether a subscription or a pending lookup still
// needs the broker subscription for topic. s.mu must be held.
func (s *Store) topicInUseLocked(topic string) bool {
	if len(s.lookups[topic]) > 0 {
		return true
	}
	for _, sub := range s.subs {
		if s.settings.recordTopic(sub.pattern) == topic {
			return true
		}
	}
	return false
}

// covered reports whether a registered subscription receives path.
func (s *Store) covered(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if records.Matches(sub.pattern, path) {
			return true
		}
	}
	return false
}

// dispatch is the single paho handler for every topic the store subscribes
// to. Pending lookups see the raw payload; record topics are routed to
// subscribers.
func (s *Store) dispatch(client mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	s.mu.RLock()
	waiters := make([]chan []byte, 0, len(s.lookups[topic]))
	for _, ch := range s.lookups[topic] {
		waiters = append(waiters, ch)
	}
	s.mu.RUnlock()
	for _, ch := range waiters {
		select {
		case ch <- append([]byte(nil), msg.Payload()...):
		default:
		}
	}
	if s.settings.assetTopicName(topic) {
		return
	}
	s.route(client, msg)
}

func (s *Store) route(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if err := records.CheckSize(msg.Payload(), s.settings.MaxPayloadBytes); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: dropping record")
		s.telemetry.IncUpdateDropped(topic, "oversized")
		return
	}
	rec, err := records.Decode(msg.Payload())
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt: dropping record")
		s.telemetry.IncUpdateDropped(topic, "envelope")
		return
	}
	if s.settings.recordTopic(rec.Path) != topic {
		s.logger.Warn().Str("topic", topic).Str("path", rec.Path).Msg("mqtt: record path does not match topic")
		s.telemetry.IncUpdateDropped(topic, "path_mismatch")
		return
	}

	s.mu.Lock()
	handlers := make([]records.Handler, 0, len(s.subs))
	ids := make([]uint64, 0, len(s.subs))
	for id, sub := range s.subs {
		if records.Matches(sub.pattern, rec.Path) {
			ids = append(ids, id)
		}
	}
	// Only subscribed paths are kept current, so only they are cached.
	if len(ids) > 0 {
		if prev, ok := s.latest[rec.Path]; !ok || prev.Version <= rec.Version {
			s.latest[rec.Path] = rec
			close(s.changed)
			s.changed = make(chan struct{})
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, s.subs[id].fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		out := rec
		out.Fields = rec.Fields.Clone()
		fn(out)
	}
}

func (s *Store) nextVersion() (int64, time.Time) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	now := time.Now()
	v := now.UnixNano()
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v, now.UTC()
}

// Put publishes fields as the new retained value of path.
func (s *Store) Put(ctx context.Context, path string, fields records.Fields) (records.Ack, error) {
	ack, err := s.put(ctx, path, fields)
	outcome := "ok"
	switch {
	case errors.Is(err, records.ErrNotConnected):
		outcome = "not_connected"
	case errors.Is(err, records.ErrPayloadTooLarge):
		outcome = "too_large"
	case err != nil:
		outcome = "error"
	}
	s.telemetry.IncRecordPut(path, outcome)
	return ack, err
}

func (s *Store) put(ctx context.Context, path string, fields records.Fields) (records.Ack, error) {
	if s.settings.reservedPath(path) {
		return records.Ack{}, fmt.Errorf("mqtt: path %s is reserved for assets", path)
	}
	client, ok := s.connectedClient()
	if !ok {
		return records.Ack{}, records.ErrNotConnected
	}
	version, at := s.nextVersion()
	payload, err := records.Encode(records.Record{Path: path, Version: version, UpdatedAt: at, Fields: fields})
	if err != nil {
		return records.Ack{}, err
	}
	if err := records.CheckSize(payload, s.settings.MaxPayloadBytes); err != nil {
		return records.Ack{}, err
	}
	if err := s.publish(ctx, client, s.settings.recordTopic(path), payload); err != nil {
		return records.Ack{}, err
	}
	return records.Ack{Path: path, Version: version}, nil
}

func (s *Store) publish(ctx context.Context, client mqtt.Client, topic string, payload []byte) error {
	token := client.Publish(topic, s.settings.QoS, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		if !client.IsConnectionOpen() {
			return fmt.Errorf("%w: %v", records.ErrNotConnected, err)
		}
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Get returns the latest known value of path. Paths without a subscription
// are looked up through a transient one.
func (s *Store) Get(ctx context.Context, path string) (records.Record, error) {
	s.mu.RLock()
	rec, ok := s.latest[path]
	s.mu.RUnlock()
	if ok {
		rec.Fields = rec.Fields.Clone()
		return rec, nil
	}
	client, connected := s.connectedClient()
	if !connected {
		return records.Record{}, records.ErrNotConnected
	}
	if s.covered(path) {
		return s.awaitLatest(ctx, path)
	}

	payload, err := s.lookup(ctx, client, s.settings.recordTopic(path))
	if err != nil {
		if errors.Is(err, errLookupEmpty) {
			return records.Record{}, records.ErrNotFound
		}
		return records.Record{}, err
	}
	return records.Decode(payload)
}

// awaitLatest waits one lookup window for a subscribed path whose retained
// value may still be in flight.
func (s *Store) awaitLatest(ctx context.Context, path string) (records.Record, error) {
	window := time.NewTimer(s.settings.LookupWindow)
	defer window.Stop()
	for {
		s.mu.RLock()
		rec, ok := s.latest[path]
		changed := s.changed
		s.mu.RUnlock()
		if ok {
			rec.Fields = rec.Fields.Clone()
			return rec, nil
		}
		select {
		case <-changed:
		case <-window.C:
			return records.Record{}, records.ErrNotFound
		case <-ctx.Done():
			return records.Record{}, ctx.Err()
		}
	}
}

var errLookupEmpty = errors.New("mqtt: no retained message")

// lookup subscribes to topic and waits for a retained message. Brokers send
// retained messages right after the subscription is acknowledged, so an empty
// window means nothing is stored. Concurrent lookups of one topic share the
// broker subscription; the last one out drops it unless a record
// subscription still uses the topic.
func (s *Store) lookup(ctx context.Context, client mqtt.Client, topic string) ([]byte, error) {
	id := s.nextID.Add(1)
	found := make(chan []byte, 1)

	s.topicMu.Lock()
	s.mu.Lock()
	waiters := s.lookups[topic]
	if waiters == nil {
		waiters = make(map[uint64]chan []byte)
		s.lookups[topic] = waiters
	}
	waiters[id] = found
	s.mu.Unlock()
	token := client.Subscribe(topic, s.settings.QoS, s.dispatch)
	s.topicMu.Unlock()
	defer s.endLookup(client, topic, id)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}

	window := time.NewTimer(s.settings.LookupWindow)
	defer window.Stop()
	select {
	case payload := <-found:
		return payload, nil
	case <-window.C:
		return nil, errLookupEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateAsset publishes data as a retained asset and returns its reference.
func (s *Store) CreateAsset(ctx context.Context, data []byte) (records.AssetReference, error) {
	client, ok := s.connectedClient()
	if !ok {
		return records.AssetReference{}, records.ErrNotConnected
	}
	if err := records.CheckSize(data, s.settings.MaxPayloadBytes); err != nil {
		return records.AssetReference{}, err
	}
	ref := records.AssetReference{ID: uuid.NewString()}
	if err := s.publish(ctx, client, s.settings.assetTopic(ref), data); err != nil {
		return records.AssetReference{}, err
	}
	return ref, nil
}

// ResolveAsset fetches the bytes published for ref.
func (s *Store) ResolveAsset(ctx context.Context, ref records.AssetReference) ([]byte, error) {
	if ref.IsZero() {
		return nil, records.ErrUnknownAsset
	}
	client, ok := s.connectedClient()
	if !ok {
		return nil, records.ErrNotConnected
	}
	data, err := s.lookup(ctx, client, s.settings.assetTopic(ref))
	if errors.Is(err, errLookupEmpty) {
		return nil, records.ErrUnknownAsset
	}
	return data, err
}

func (s *Store) endLookup(client mqtt.Client, topic string, id uint64) {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()
	s.mu.Lock()
	delete(s.lookups[topic], id)
	if len(s.lookups[topic]) == 0 {
		delete(s.lookups, topic)
	}
	inUse := s.topicInUseLocked(topic)
	s.mu.Unlock()
	if !inUse {
		client.Unsubscribe(topic)
	}
}
