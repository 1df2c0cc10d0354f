package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Step is one named stage of the shutdown drain.
type Step struct {
	Name string
	Run  func(context.Context) error
}

// Sequencer drains the process in order: every step runs even when an earlier
// one fails, and the whole drain is bounded by a single timeout.
type Sequencer struct {
	timeout time.Duration
	steps   []Step
}

func NewSequencer(timeout time.Duration) *Sequencer {
	return &Sequencer{timeout: timeout}
}

func (sq *Sequencer) Add(name string, run func(context.Context) error) *Sequencer {
	sq.steps = append(sq.steps, Step{Name: name, Run: run})
	return sq
}

// Drain attempts every step and reports how many failed.
func (sq *Sequencer) Drain() int {
	ctx, cancel := context.WithTimeout(context.Background(), sq.timeout)
	defer cancel()

	failed := 0
	for _, step := range sq.steps {
		if ctx.Err() != nil {
			log.Error().Str("module", "shutdown").Str("step", step.Name).Msg("drain timeout, step skipped")
			failed++
			continue
		}
		log.Info().Str("module", "shutdown").Str("step", step.Name).Msg("draining")
		if err := step.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "shutdown").Str("step", step.Name).Msg("step failed")
			failed++
		}
	}
	return failed
}

// StopAccepting flips the service into drain mode: new channels are refused,
// pending presence broadcasts are dropped.
func (s *Service) StopAccepting() {
	s.accepting.Store(false)
	s.presence.Stop()
	s.limiter.Stop()
}

// CloseConnections force-closes every live channel.
func (s *Service) CloseConnections() {
	for _, id := range s.registry.All() {
		if conn, ok := s.registry.Conn(id); ok {
			conn.Close()
		}
		s.registry.Cancel(id)
	}
}
