package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used when Redis is unavailable and in
// tests. TTLs are enforced lazily on read.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	lists map[string]*memoryList
	subs  map[string][]chan []byte
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

type memoryList struct {
	entries   [][]byte
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		lists: make(map[string]*memoryList),
		subs:  make(map[string][]chan []byte),
		now:   time.Now,
	}
}

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && at.Before(m.now())
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || m.expired(it.expiresAt) {
		return nil, ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = memoryItem{value: value, expiresAt: exp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.items, k)
		delete(m.lists, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k, it := range m.items {
		if strings.HasPrefix(k, prefix) && !m.expired(it.expiresAt) {
			out = append(out, k)
		}
	}
	for k, l := range m.lists {
		if strings.HasPrefix(k, prefix) && !m.expired(l.expiresAt) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok || m.expired(it.expiresAt) {
		return 0, ErrNotFound
	}
	if it.expiresAt.IsZero() {
		return -1, nil
	}
	return it.expiresAt.Sub(m.now()), nil
}

func (m *Memory) Append(_ context.Context, key string, value []byte, ttl time.Duration, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		l = &memoryList{}
		m.lists[key] = l
	}
	l.entries = append(l.entries, value)
	if maxLen > 0 && int64(len(l.entries)) > maxLen {
		l.entries = l.entries[int64(len(l.entries))-maxLen:]
	}
	if ttl > 0 {
		l.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return nil, nil
	}

	n := int64(len(l.entries))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, e := range l.entries[start : stop+1] {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Publish(_ context.Context, channel string, message []byte) error {
	m.mu.RLock()
	subs := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- message:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	ch := make(chan []byte, 64)

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-ch:
				handler(msg)
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		close(done)
		m.mu.Lock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
	return unsub, nil
}

func (m *Memory) Info(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]string{
		"backend": "memory",
		"keys":    strconv.Itoa(len(m.items) + len(m.lists)),
	}, nil
}

func (m *Memory) Close() error { return nil }
