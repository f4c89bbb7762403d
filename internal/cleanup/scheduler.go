// Package cleanup runs the periodic expiry sweeps. Each cycle runs every
// registered sweep; one failing sweep never stops the others, and a failed
// cycle shortens the wait before the next attempt.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Sweep is one named unit of periodic work.
type Sweep struct {
	Name string
	// Run performs the sweep and returns how many rows it touched.
	Run func(ctx context.Context) (int, error)
}

// Scheduler drives the sweeps on a fixed interval.
type Scheduler struct {
	sweeps        []Sweep
	interval      time.Duration
	retryInterval time.Duration
}

// NewScheduler returns a Scheduler that runs the sweeps every interval and
// waits only retryInterval after a cycle in which any sweep failed.
func NewScheduler(interval, retryInterval time.Duration, sweeps ...Sweep) *Scheduler {
	if retryInterval <= 0 || retryInterval > interval {
		retryInterval = interval
	}
	return &Scheduler{
		sweeps:        sweeps,
		interval:      interval,
		retryInterval: retryInterval,
	}
}

// Run loops until ctx is cancelled. The first cycle runs immediately.
// Returns ctx.Err() on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		delay := s.interval
		if err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("cleanup: cycle had failures, retrying in %s: %v", s.retryInterval, err)
			delay = s.retryInterval
		}
		timer.Reset(delay)
	}
}

// SweepOnce runs every sweep once. A sweep that fails or panics is logged
// and the cycle continues; the joined errors are returned so Run can shorten
// the next wait.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	var errs []error
	for _, sweep := range s.sweeps {
		n, err := s.runOne(ctx, sweep)
		if err != nil {
			log.Printf("cleanup: %s failed: %v", sweep.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", sweep.Name, err))
			continue
		}
		if n > 0 {
			log.Printf("cleanup: %s removed %d", sweep.Name, n)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runOne(ctx context.Context, sweep Sweep) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sweep.Run(ctx)
}
