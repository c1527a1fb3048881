package stream

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Pacer holds iteration starts at least one interval apart. Time spent
// processing between calls counts toward the interval, and a late iteration
// never triggers a burst of catch-up iterations.
type Pacer struct {
	clock    clock.Clock
	interval time.Duration
	next     time.Time
}

// NewPacer returns a Pacer for fps iterations per second.
func NewPacer(clk clock.Clock, fps float64) *Pacer {
	if clk == nil {
		clk = clock.New()
	}
	if fps <= 0 {
		fps = 1
	}
	return &Pacer{
		clock:    clk,
		interval: time.Duration(float64(time.Second) / fps),
	}
}

// Interval returns the minimum time between iteration starts.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next iteration may start or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := p.clock.Now()
	if !p.next.IsZero() && now.Before(p.next) {
		timer := p.clock.Timer(p.next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		now = p.clock.Now()
	}

	start := now
	if start.Before(p.next) {
		start = p.next
	}
	p.next = start.Add(p.interval)
	return nil
}

// Reset lets the next Wait return immediately.
func (p *Pacer) Reset() {
	p.next = time.Time{}
}
