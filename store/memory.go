package store

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	hash      map[string][]byte
	set       map[string]struct{}
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store used for development and tests. TTLs are
// evaluated against an internal clock that tests can advance with
// FastForward, and pub/sub delivery is local to the process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	subs    map[string][]*memorySubscription
	offset  time.Duration
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		subs:    make(map[string][]*memorySubscription),
	}
}

// FastForward advances the store's clock, expiring any entry whose TTL
// falls inside the window.
func (m *Memory) FastForward(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset += d
}

func (m *Memory) now() time.Time {
	return time.Now().Add(m.offset)
}

// live returns the entry for key, pruning it first if expired.
// Callers must hold mu.
func (m *Memory) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.value == nil {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) SetTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, key := range keys {
		if m.live(key) != nil {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) hashEntry(key string, create bool) *memoryEntry {
	e := m.live(key)
	if e == nil && create {
		e = &memoryEntry{hash: make(map[string][]byte)}
		m.entries[key] = e
	}
	if e != nil && e.hash == nil && create {
		e.hash = make(map[string][]byte)
	}
	return e
}

func (m *Memory) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.hashEntry(key, true)
	e.hash[field] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return nil, false, nil
	}
	val, ok := e.hash[field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil && e.hash != nil {
		delete(e.hash, field)
		if len(e.hash) == 0 {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *Memory) HFields(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return nil, nil
	}
	fields := make([]string, 0, len(e.hash))
	for field := range e.hash {
		fields = append(fields, field)
	}
	return fields, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]byte{}
	e := m.live(key)
	if e == nil || e.hash == nil {
		return out, nil
	}
	for field, val := range e.hash {
		out[field] = append([]byte(nil), val...)
	}
	return out, nil
}

func (m *Memory) HLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return 0, nil
	}
	return int64(len(e.hash)), nil
}

func (m *Memory) setEntry(key string, create bool) *memoryEntry {
	e := m.live(key)
	if e == nil && create {
		e = &memoryEntry{set: make(map[string]struct{})}
		m.entries[key] = e
	}
	if e != nil && e.set == nil && create {
		e.set = make(map[string]struct{})
	}
	return e
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.setEntry(key, true)
	e.set[member] = struct{}{}
	return nil
}

func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil && e.set != nil {
		delete(e.set, member)
		if len(e.set) == 0 {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return nil, nil
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return false, nil
	}
	_, ok := e.set[member]
	return ok, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return 0, nil
	}
	return int64(len(e.set)), nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.entries {
		if m.live(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Memory) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := m.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	return m.Delete(ctx, keys...)
}

func (m *Memory) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if val, ok, _ := m.Get(ctx, key); ok {
			out[key] = val
		}
	}
	return out, nil
}

func (m *Memory) BatchSetTTL(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := m.SetTTL(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memorySubscription{
		store:   m,
		channel: channel,
		out:     make(chan Message, 64),
	}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.closeLocked()
			sub.mu.Unlock()
		}
		delete(m.subs, channel)
	}
	return nil
}

type memorySubscription struct {
	store   *Memory
	channel string
	out     chan Message
	mu      sync.Mutex
	closed  bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Best effort: a subscriber that stopped draining loses messages
	// rather than blocking the publisher.
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}
