package sched_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskmatch/internal/sched"
)

type fakeEngine struct {
	mu      sync.Mutex
	expire  int
	advance int
	fail    bool
}

func (f *fakeEngine) ExpireDueReservations(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expire++
	if f.fail {
		return 0, errors.New("boom")
	}
	return 1, nil
}

func (f *fakeEngine) AdvanceDueWaves(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance++
	return 1, nil
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expire, f.advance
}

func TestSweeperRunsBothJobsPerTick(t *testing.T) {
	fe := &fakeEngine{}
	ticks := make(chan time.Time)
	s := sched.Sweeper{Engine: fe, Ticks: ticks}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run sweeps once immediately, then once per tick.
	ticks <- time.Now()
	ticks <- time.Now()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}

	expire, advance := fe.counts()
	if expire != 3 || advance != 3 {
		t.Fatalf("want 3 sweeps of each job, got expire=%d advance=%d", expire, advance)
	}
}

func TestSweeperSurvivesJobErrors(t *testing.T) {
	fe := &fakeEngine{fail: true}
	ticks := make(chan time.Time)
	s := sched.Sweeper{Engine: fe, Ticks: ticks}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticks <- time.Now()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}

	// The expiry error must not stop the wave job or the loop.
	expire, advance := fe.counts()
	if expire != 2 || advance != 2 {
		t.Fatalf("want both jobs attempted twice, got expire=%d advance=%d", expire, advance)
	}
}
