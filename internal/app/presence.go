package app

import (
	"sync"
	"time"

	"github.com/ostraka/meetcore/internal/domain"
)

// Presence coalesces membership-changed signals per room: each Schedule
// cancels and re-arms the room's timer, and the fan-out reads live room state
// at fire time, so a join/leave storm costs one broadcast per window.
type Presence struct {
	mu      sync.Mutex
	timers  map[domain.RoomKey]*time.Timer
	window  time.Duration
	emit    func(domain.RoomKey)
	stopped bool
}

func NewPresence(window time.Duration, emit func(domain.RoomKey)) *Presence {
	return &Presence{
		timers: make(map[domain.RoomKey]*time.Timer),
		window: window,
		emit:   emit,
	}
}

// Schedule arms (or re-arms) the room's debounce timer.
func (p *Presence) Schedule(room domain.RoomKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if t, ok := p.timers[room]; ok {
		t.Stop()
	}
	p.timers[room] = time.AfterFunc(p.window, func() { p.fire(room) })
}

func (p *Presence) fire(room domain.RoomKey) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.timers, room)
	p.mu.Unlock()
	p.emit(room)
}

// Stop cancels all pending broadcasts. Used by the shutdown drain.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for room, t := range p.timers {
		t.Stop()
		delete(p.timers, room)
	}
}
