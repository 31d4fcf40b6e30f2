// Package typing 维护"谁正在输入"的进程内临时状态，每个条目在超时后自动过期。
package typing

import (
	"sync"
	"time"

	"livechat/internal/metrics"
)

type Kind string

const (
	KindRoom Kind = "room"
	KindChat Kind = "chat"
)

// Key 标识一个房间或私聊。
type Key struct {
	Kind Kind
	ID   uint
}

// Entry 记录当前的输入者；ConnID 用于房间通知时排除发起连接。
type Entry struct {
	Key       Key
	UserID    uint
	Username  string
	ConnID    string
	ExpiresAt time.Time
}

type entry struct {
	Entry
	timer *time.Timer
}

// Registry 每个 key 只跟踪一个输入者，后来者覆盖先来者。
type Registry struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[Key]*entry
	onExpire func(Entry)
	now      func() time.Time
}

func New(timeout time.Duration) *Registry {
	return &Registry{
		timeout: timeout,
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// OnExpire 设置自动过期时的回调，回调在锁外执行。
func (r *Registry) OnExpire(fn func(Entry)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Start 记录输入者并重新计时，返回被覆盖的旧条目（如果有）。
func (r *Registry) Start(e Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.entries[e.Key]
	if replaced {
		prev.timer.Stop()
	}
	e.ExpiresAt = r.now().Add(r.timeout)
	ent := &entry{Entry: e}
	ent.timer = time.AfterFunc(r.timeout, func() { r.expire(ent) })
	r.entries[e.Key] = ent
	metrics.TypingActive.Set(float64(len(r.entries)))

	if replaced {
		return prev.Entry, true
	}
	return Entry{}, false
}

// Stop 取消计时并移除条目，不校验调用者是否就是当前输入者。
func (r *Registry) Stop(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	ent.timer.Stop()
	delete(r.entries, key)
	metrics.TypingActive.Set(float64(len(r.entries)))
	return ent.Entry, true
}

func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return ent.Entry, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close 停止所有计时器，不触发过期回调。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ent := range r.entries {
		ent.timer.Stop()
		delete(r.entries, k)
	}
	metrics.TypingActive.Set(0)
}

func (r *Registry) expire(ent *entry) {
	r.mu.Lock()
	// 计时器触发时条目可能已被 Stop 或新的 Start 替换
	if r.entries[ent.Key] != ent {
		r.mu.Unlock()
		return
	}
	delete(r.entries, ent.Key)
	metrics.TypingActive.Set(float64(len(r.entries)))
	fn := r.onExpire
	r.mu.Unlock()

	if fn != nil {
		fn(ent.Entry)
	}
}
