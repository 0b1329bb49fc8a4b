package align

import (
	"context"
	"fmt"
	"io"
	"time"
)

type ClockConfig struct {
	Interval time.Duration // how often a position is emitted, 100ms by default
	Rate     float64       // reference seconds per wall second, 1 by default
}

// clock is the simulated follower: the performer is assumed to play exactly
// in time, so the position is the elapsed wall time.
type clock struct {
	ref    Reference
	src    Source
	frames <-chan []float64
	cfg    ClockConfig

	start    time.Time
	timer    *time.Timer
	finished bool
}

// NewClock returns a Producer that advances with wall time. When src is not
// nil its frames are drained so a live capture never stalls, and a failing
// source ends the sequence with io.ErrUnexpectedEOF.
func NewClock(ref Reference, src Source, cfg ClockConfig) Producer {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	c := &clock{ref: ref, src: src, cfg: cfg}
	if src != nil {
		c.frames = src.Frames()
	}
	return c
}

func (c *clock) Next(ctx context.Context) (float64, error) {
	if c.finished {
		return 0, ErrAlignmentComplete
	}
	if c.start.IsZero() {
		c.start = time.Now()
		c.timer = time.NewTimer(c.cfg.Interval)
		return 0, nil
	}

	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case _, ok := <-c.frames:
			if !ok {
				if err := c.src.Err(); err != nil {
					return 0, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
				}
				c.frames = nil
			}
		case <-c.timer.C:
			waiting = false
		}
	}
	c.timer.Reset(c.cfg.Interval)

	elapsed := time.Since(c.start).Seconds() * c.cfg.Rate
	if end := c.ref.Duration(); elapsed >= end {
		c.finished = true
		return end, nil
	}
	return elapsed, nil
}
