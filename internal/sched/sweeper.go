// Package sched runs the periodic maintenance loop: releasing lapsed
// reservations and advancing due invite waves. Production wires it to the
// wall clock; tests drive it through the injectable tick channel.
package sched

import (
	"context"
	"log/slog"
	"time"
)

// Engine is the subset of engine operations the sweeper drives.
type Engine interface {
	ExpireDueReservations(ctx context.Context) (int, error)
	AdvanceDueWaves(ctx context.Context) (int, error)
}

type Sweeper struct {
	Engine   Engine
	Interval time.Duration
	Log      *slog.Logger

	// Ticks overrides the interval ticker when set; each receive triggers
	// one sweep. Tests use this to run sweeps deterministically.
	Ticks <-chan time.Time
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled. Sweep errors are logged and do not stop the loop.
func (s Sweeper) Run(ctx context.Context) error {
	ticks := s.Ticks
	if ticks == nil {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of both maintenance jobs.
func (s Sweeper) Sweep(ctx context.Context) {
	released, err := s.Engine.ExpireDueReservations(ctx)
	if err != nil {
		s.log().Error("expire reservations", "error", err)
	} else if released > 0 {
		s.log().Info("released lapsed reservations", "count", released)
	}
	advanced, err := s.Engine.AdvanceDueWaves(ctx)
	if err != nil {
		s.log().Error("advance waves", "error", err)
	} else if advanced > 0 {
		s.log().Info("advanced invite waves", "count", advanced)
	}
}

func (s Sweeper) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
