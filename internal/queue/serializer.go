// Package queue 保证同一时刻只有一个下单流程在站点上执行。
// 队首即正在执行的条目，执行状态只由位置决定。
package queue

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"locates-desk/internal/metrics"
)

const defaultEviction = 25 * time.Second

// ErrQueueEntryNotFound 表示条目已被释放、已超时淘汰或从未存在。
var ErrQueueEntryNotFound = errors.New("queue entry not found")

// Meta 描述一个排队请求。
type Meta struct {
	Trader   string `json:"trader"`
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
}

// Job 为排队执行的动作。Run 在独立 goroutine 中执行；
// 条目在开始执行前被移除时调用 Drop，便于唤醒等待方。
type Job struct {
	Run  func()
	Drop func()
}

// Entry 为队列快照中的一项。
type Entry struct {
	ID       int64 `json:"id"`
	Position int   `json:"position"`
	Meta
}

// Stats 为累计计数。
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Released int64 `json:"released"`
	Evicted  int64 `json:"evicted"`
	Dropped  int64 `json:"dropped"`
}

type item struct {
	id      int64
	meta    Meta
	job     Job
	started bool
	settled bool
	held    bool
	timer   *time.Timer
}

// Serializer 为 FIFO 串行执行队列。
type Serializer struct {
	eviction time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	items   []*item
	nextID  int64
	stats   Stats
	onEvict func(Entry)
}

// New 创建串行队列，eviction 为执行完成后等待释放的最长时间。
func New(eviction time.Duration, logger *zap.Logger) *Serializer {
	if eviction <= 0 {
		eviction = defaultEviction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serializer{eviction: eviction, logger: logger}
}

// OnEvict 注册超时淘汰回调，回调在锁外执行。
func (s *Serializer) OnEvict(fn func(Entry)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Enqueue 追加条目并返回递增 id；队列原本为空时立即开始执行。
func (s *Serializer) Enqueue(meta Meta, job Job) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	it := &item{id: s.nextID, meta: meta, job: job}
	s.items = append(s.items, it)
	s.stats.Enqueued++

	metrics.QueueEvent("enqueued")
	metrics.SetQueueDepth(len(s.items))
	s.logger.Debug("请求入队",
		zap.Int64("id", it.id),
		zap.String("trader", meta.Trader),
		zap.String("symbol", meta.Symbol),
		zap.Int("quantity", meta.Quantity),
		zap.Int("depth", len(s.items)),
	)

	if len(s.items) == 1 {
		s.startLocked(it)
	}
	return it.id
}

// Release 从任意位置移除条目。被移除的是队首时立即启动下一个条目。
func (s *Serializer) Release(id int64) bool {
	s.mu.Lock()
	removed, dropped := s.removeLocked(id)
	if removed != nil {
		s.stats.Released++
		metrics.QueueEvent("released")
	}
	s.mu.Unlock()

	if dropped != nil {
		dropped()
	}
	if removed != nil {
		s.logger.Debug("请求已释放", zap.Int64("id", id))
	}
	return removed != nil
}

// Hold 停止队首条目的超时计时器，之后只能被显式释放。条目不在队首时返回 false。
func (s *Serializer) Hold(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 || s.items[0].id != id {
		return false
	}
	head := s.items[0]
	head.held = true
	if head.timer != nil {
		head.timer.Stop()
		head.timer = nil
	}
	return true
}

// Lookup 返回条目的当前状态。
func (s *Serializer) Lookup(id int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.id == id {
			return Entry{ID: it.id, Position: i, Meta: it.meta}, true
		}
	}
	return Entry{}, false
}

// PositionOf 返回第一个匹配条目的位置，只读。
func (s *Serializer) PositionOf(trader, symbol string, quantity int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if strings.EqualFold(it.meta.Trader, trader) &&
			strings.EqualFold(it.meta.Symbol, symbol) &&
			it.meta.Quantity == quantity {
			return i, true
		}
	}
	return 0, false
}

// Snapshot 返回队列当前内容，位置 0 为正在执行的条目。
func (s *Serializer) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.items))
	for i, it := range s.items {
		out = append(out, Entry{ID: it.id, Position: i, Meta: it.meta})
	}
	return out
}

// Len 返回队列长度。
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats 返回累计计数。
func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Clear 清空队列，返回被移除的条目数。已在执行的条目不会被中断。
func (s *Serializer) Clear() int {
	s.mu.Lock()
	items := s.items
	s.items = nil
	var drops []func()
	for _, it := range items {
		if it.timer != nil {
			it.timer.Stop()
		}
		if !it.started && it.job.Drop != nil {
			drops = append(drops, it.job.Drop)
			s.stats.Dropped++
		}
	}
	metrics.SetQueueDepth(0)
	s.mu.Unlock()

	for _, drop := range drops {
		drop()
	}
	if len(items) > 0 {
		s.logger.Info("队列已清空", zap.Int("removed", len(items)))
	}
	return len(items)
}

func (s *Serializer) startLocked(it *item) {
	it.started = true
	go s.run(it)
}

func (s *Serializer) run(it *item) {
	defer s.settle(it)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("排队任务异常退出", zap.Int64("id", it.id), zap.Any("panic", r))
		}
	}()
	if it.job.Run != nil {
		it.job.Run()
	}
}

// settle 任务完成后若仍未被释放则启动超时计时器。
func (s *Serializer) settle(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it.settled = true
	if it.held || len(s.items) == 0 || s.items[0] != it {
		return
	}
	id := it.id
	it.timer = time.AfterFunc(s.eviction, func() { s.evict(id) })
}

func (s *Serializer) evict(id int64) {
	s.mu.Lock()
	if len(s.items) == 0 || s.items[0].id != id || !s.items[0].settled || s.items[0].held {
		s.mu.Unlock()
		return
	}
	meta := s.items[0].meta
	removed, _ := s.removeLocked(id)
	if removed == nil {
		s.mu.Unlock()
		return
	}
	s.stats.Evicted++
	hook := s.onEvict
	s.mu.Unlock()

	metrics.QueueEvent("evicted")
	s.logger.Warn("请求超时未确认，强制释放",
		zap.Int64("id", id),
		zap.String("trader", meta.Trader),
		zap.String("symbol", meta.Symbol),
		zap.Int("quantity", meta.Quantity),
		zap.Duration("timeout", s.eviction),
	)
	if hook != nil {
		hook(Entry{ID: id, Meta: meta})
	}
}

// removeLocked 移除条目并在需要时启动新的队首。返回未开始执行条目的 Drop。
func (s *Serializer) removeLocked(id int64) (*item, func()) {
	idx := -1
	for i, it := range s.items {
		if it.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	it := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	if it.timer != nil {
		it.timer.Stop()
	}
	metrics.SetQueueDepth(len(s.items))

	if idx == 0 && len(s.items) > 0 && !s.items[0].started {
		s.startLocked(s.items[0])
	}

	var drop func()
	if !it.started && it.job.Drop != nil {
		drop = it.job.Drop
		s.stats.Dropped++
		metrics.QueueEvent("dropped")
	}
	return it, drop
}
