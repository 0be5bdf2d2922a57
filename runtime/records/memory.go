package records

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnreachable is returned by Dial when the hub refuses an endpoint.
var ErrUnreachable = errors.New("records: peer unreachable")

// Hub is an in-process record store shared by any number of endpoints. It is
// the loopback transport used by tests and the single-process demo.
type Hub struct {
	mu        sync.Mutex
	records   map[string]Record
	assets    map[string][]byte
	endpoints []*MemoryStore
	last      int64
	now       func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		records: make(map[string]Record),
		assets:  make(map[string][]byte),
		now:     time.Now,
	}
}

// MemoryOption customises an endpoint.
type MemoryOption func(*MemoryStore)

// WithMaxPayload bounds the encoded record size accepted by Put.
func WithMaxPayload(limit int) MemoryOption {
	return func(m *MemoryStore) {
		if limit > 0 {
			m.maxPayload = limit
		}
	}
}

// Endpoint attaches a new peer to the hub. The endpoint starts disconnected.
func (h *Hub) Endpoint(name string, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		hub:        h,
		name:       name,
		maxPayload: DefaultMaxPayloadBytes,
		reachable:  true,
		subs:       make(map[uint64]subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, m)
	h.mu.Unlock()
	return m
}

// nextVersion must be called with h.mu held.
func (h *Hub) nextVersion() (int64, time.Time) {
	now := h.now()
	v := now.UnixNano()
	if v <= h.last {
		v = h.last + 1
	}
	h.last = v
	return v, now.UTC()
}

func (h *Hub) put(path string, fields Fields, limit int) (Ack, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	version, at := h.nextVersion()
	rec := Record{Path: path, Version: version, UpdatedAt: at, Fields: fields.Clone()}
	payload, err := Encode(rec)
	if err != nil {
		return Ack{}, err
	}
	if err := CheckSize(payload, limit); err != nil {
		return Ack{}, err
	}
	h.records[path] = rec
	for _, ep := range h.endpoints {
		ep.deliver(rec, 0)
	}
	return Ack{Path: path, Version: version}, nil
}

// snapshot must be called with h.mu held.
func (h *Hub) snapshot() []Record {
	out := make([]Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

type subscription struct {
	pattern string
	fn      Handler
}

type delivery struct {
	rec Record
	sub uint64
}

// MemoryStore is one peer's view of a Hub. It implements Store,
// AssetPublisher and the peer transport contract (Dial and Close).
type MemoryStore struct {
	hub        *Hub
	name       string
	maxPayload int

	mu        sync.Mutex
	reachable bool
	session   *session
	lost      func(error)
	subs      map[uint64]subscription
	nextSub   uint64
}

// Name returns the endpoint name.
func (m *MemoryStore) Name() string { return m.name }

// SetReachable controls whether subsequent dials succeed.
func (m *MemoryStore) SetReachable(ok bool) {
	m.mu.Lock()
	m.reachable = ok
	m.mu.Unlock()
}

// Connected reports whether the endpoint currently has a live session.
func (m *MemoryStore) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Dial brings the endpoint up and replays the current value of every
// subscribed path. lost is invoked when the session is dropped.
func (m *MemoryStore) Dial(ctx context.Context, lost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reachable {
		return ErrUnreachable
	}
	if m.session != nil {
		return nil
	}
	m.session = newSession(m.dispatch)
	m.lost = lost
	for _, rec := range m.hub.snapshot() {
		m.enqueueLocked(rec, 0)
	}
	return nil
}

// Close tears the session down without notifying the lost callback.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.lost = nil
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// Drop simulates a transport failure: the session ends and the lost callback
// passed to Dial receives err.
func (m *MemoryStore) Drop(err error) {
	if err == nil {
		err = ErrNotConnected
	}
	m.mu.Lock()
	s := m.session
	lost := m.lost
	m.session = nil
	m.lost = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.close()
	if lost != nil {
		lost(err)
	}
}

// Put writes fields under path. The call fails while the endpoint is down.
func (m *MemoryStore) Put(ctx context.Context, path string, fields Fields) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	if !m.Connected() {
		return Ack{}, ErrNotConnected
	}
	return m.hub.put(path, fields, m.maxPayload)
}

// Get returns the latest record stored under path.
func (m *MemoryStore) Get(ctx context.Context, path string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !m.Connected() {
		return Record{}, ErrNotConnected
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	rec, ok := m.hub.records[path]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Fields = rec.Fields.Clone()
	return rec, nil
}

// Subscribe registers fn for paths matching pattern. When the endpoint is
// connected the current matching records are delivered immediately.
func (m *MemoryStore) Subscribe(pattern string, fn Handler) func() {
	m.hub.mu.Lock()
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = subscription{pattern: pattern, fn: fn}
	if m.session != nil {
		for _, rec := range m.hub.snapshot() {
			if Matches(pattern, rec.Path) {
				m.enqueueLocked(rec, id)
			}
		}
	}
	m.mu.Unlock()
	m.hub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// CreateAsset stores data on the hub and returns its reference.
func (m *MemoryStore) CreateAsset(ctx context.Context, data []byte) (AssetReference, error) {
	if err := ctx.Err(); err != nil {
		return AssetReference{}, err
	}
	if !m.Connected() {
		return AssetReference{}, ErrNotConnected
	}
	if err := CheckSize(data, m.maxPayload); err != nil {
		return AssetReference{}, err
	}
	ref := AssetReference{ID: uuid.NewString()}
	m.hub.mu.Lock()
	m.hub.assets[ref.ID] = append([]byte(nil), data...)
	m.hub.mu.Unlock()
	return ref, nil
}

// ResolveAsset fetches the bytes behind ref.
func (m *MemoryStore) ResolveAsset(ctx context.Context, ref AssetReference) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.Connected() {
		return nil, ErrNotConnected
	}
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	data, ok := m.hub.assets[ref.ID]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) deliver(rec Record, sub uint64) {
	m.mu.Lock()
	m.enqueueLocked(rec, sub)
	m.mu.Unlock()
}

func (m *MemoryStore) enqueueLocked(rec Record, sub uint64) {
	if m.session == nil {
		return
	}
	m.session.push(delivery{rec: rec, sub: sub})
}

func (m *MemoryStore) dispatch(d delivery) {
	m.mu.Lock()
	var handlers []Handler
	if d.sub != 0 {
		if s, ok := m.subs[d.sub]; ok {
			handlers = append(handlers, s.fn)
		}
	} else {
		ids := make([]uint64, 0, len(m.subs))
		for id, s := range m.subs {
			if Matches(s.pattern, d.rec.Path) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			handlers = append(handlers, m.subs[id].fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		rec := d.rec
		rec.Fields = rec.Fields.Clone()
		fn(rec)
	}
}

// session owns the dispatcher goroutine of one connection. Pending
// deliveries are discarded when the session closes.
type session struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newSession(dispatch func(delivery)) *session {
	s := &session{}
	s.cond = sync.NewCond(&s.mu)
	go s.run(dispatch)
	return s
}

func (s *session) push(d delivery) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, d)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *session) run(dispatch func(delivery)) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		dispatch(d)
	}
}

// close stops the dispatcher without waiting for a running handler.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
