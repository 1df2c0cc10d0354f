// Package ratelimit implements per-connection fixed-window action budgets.
//
// The window is fixed, not sliding: counters hard-reset at the window
// boundary, so a burst straddling the boundary can reach twice the limit.
// That matches the behavior this limiter replaces and is kept on purpose.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Class partitions the budget by action kind.
type Class string

const (
	ClassJoin    Class = "join"
	ClassChat    Class = "chat"
	ClassRequest Class = "request"
)

// Config is one class budget: at most Limit actions per Window.
type Config struct {
	Limit  int
	Window time.Duration
}

type key struct {
	conn  string
	class Class
}

type bucket struct {
	count     int
	windowEnd time.Time
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[key]*bucket
	classes map[Class]Config

	gcInterval time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func New(classes map[Class]Config, gcInterval time.Duration) *Limiter {
	l := &Limiter{
		buckets:    make(map[key]*bucket),
		classes:    classes,
		gcInterval: gcInterval,
		stop:       make(chan struct{}),
	}
	if gcInterval > 0 {
		go l.gcLoop()
	}
	return l
}

// Allow consumes one unit of budget. Denied calls report the seconds left
// until the window resets.
func (l *Limiter) Allow(conn string, class Class) (allowed bool, retryAfter int) {
	cfg, ok := l.classes[class]
	if !ok || cfg.Limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	k := key{conn: conn, class: class}
	b, exists := l.buckets[k]
	if !exists || now.After(b.windowEnd) {
		l.buckets[k] = &bucket{count: 1, windowEnd: now.Add(cfg.Window)}
		return true, 0
	}
	if b.count >= cfg.Limit {
		retry := int(time.Until(b.windowEnd).Seconds()) + 1
		return false, retry
	}
	b.count++
	return true, 0
}

// Forget drops all counters of a connection. Called when the channel closes.
func (l *Limiter) Forget(conn string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if k.conn == conn {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) gcLoop() {
	ticker := time.NewTicker(l.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.gc(time.Now())
		}
	}
}

// gc removes windows long expired so idle connections do not pin memory.
func (l *Limiter) gc(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if now.After(b.windowEnd) {
			delete(l.buckets, k)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("module", "ratelimit").Int("removed", removed).Msg("gc expired windows")
	}
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
