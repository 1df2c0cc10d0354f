// Package adminbus is the one-way observability fan-out. Publishing is
// best-effort by contract: a slow admin subscriber or a dead redis never
// blocks or fails the coordination path.
package adminbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventNewMeeting     = "new-meeting"
	EventNewJoinRequest = "new-join-request"
	EventStats          = "stats-update"
)

type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	rdb     *redis.Client
	channel string

	closed bool
}

// New builds the bus. rdb may be nil; the in-process fan-out still works.
func New(rdb *redis.Client, channel string) *Bus {
	return &Bus{subs: make(map[int]chan Event), rdb: rdb, channel: channel}
}

// Subscribe returns a buffered event feed. Slow consumers lose events rather
// than slow anyone down.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return id, ch
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans the event out without ever blocking the caller.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()
	if dropped > 0 {
		log.Warn().Str("module", "adminbus").Str("event", ev.Type).Int("dropped", dropped).Msg("slow admin subscribers")
	}

	if b.rdb != nil {
		go b.publishRedis(ev)
	}
}

func (b *Bus) publishRedis(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "adminbus").Msg("event marshal")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("module", "adminbus").Str("channel", b.channel).Msg("redis publish")
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
