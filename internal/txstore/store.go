// Package txstore 保存报价与确认之间的短期交易上下文，按交易员区分，过期后在读取时惰性删除。
package txstore

import (
	"sync"
	"time"

	"locates-desk/internal/clock"
)

const defaultTTL = 60 * time.Second

type entry[T any] struct {
	value     T
	createdAt time.Time
}

// Store 为按交易员索引的短期缓存。
type Store[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]entry[T]
}

// New 创建上下文存储，ttl<=0 时使用 60s，clk 为空时使用系统时间。
func New[T any](ttl time.Duration, clk clock.Clock) *Store[T] {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store[T]{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[string]entry[T]),
	}
}

// Put 覆盖交易员的上下文并以当前时间重新计时。
func (s *Store[T]) Put(trader string, value T) {
	now := s.clock.Now()
	s.mu.Lock()
	s.entries[trader] = entry[T]{value: value, createdAt: now}
	s.mu.Unlock()
}

// Get 仅在 now-createdAt < ttl 时返回上下文，过期条目在此处删除。
func (s *Store[T]) Get(trader string) (T, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	e, ok := s.entries[trader]
	if !ok {
		return zero, false
	}
	if now.Sub(e.createdAt) >= s.ttl {
		delete(s.entries, trader)
		return zero, false
	}
	return e.value, true
}

// Delete 删除交易员的上下文。
func (s *Store[T]) Delete(trader string) {
	s.mu.Lock()
	delete(s.entries, trader)
	s.mu.Unlock()
}

// Len 返回当前保存的条目数，包含尚未被读取清理的过期条目。
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
