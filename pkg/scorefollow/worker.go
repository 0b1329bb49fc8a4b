package scorefollow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime/debug"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/align"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/position"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
)

var ErrRetriesExhausted = errors.New("input retries exhausted")

// Worker runs one alignment session: it pulls raw positions from the engine,
// converts them to quarter notes and writes them to the position store.
// It must be the only writer of its session's store entry.
type Worker struct {
	SessionID  string
	Score      *score.Score
	Input      models.InputDescriptor
	Opener     InputOpener
	Engines    EngineFactory
	Store      *position.Store
	Log        Logger
	MaxRetries int
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
}

// Run blocks until the alignment completes, fails, or ctx is cancelled.
// It returns nil only on completion. Panics are recovered into errors.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			w.Log.Errorf("Worker panic: %v\n%s", r, debug.Stack())
		}
	}()

	for attempt := 0; ; attempt++ {
		complete, err := w.attempt(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		if attempt >= w.MaxRetries {
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt+1)
		}
		if w.Metrics != nil {
			w.Metrics.WorkerRetries.Inc()
		}
		w.Log.Warnf("Input ended before alignment completed, retrying (%d/%d)", attempt+1, w.MaxRetries)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.RetryDelay):
		}
	}
}

// attempt acquires the input and drives one producer until it stops.
// complete is false when the input ended before the alignment did.
func (w *Worker) attempt(ctx context.Context) (complete bool, err error) {
	in, err := w.Opener.Open(ctx, w.Input)
	if err != nil {
		return false, fmt.Errorf("acquiring input: %w", err)
	}
	defer func() {
		if cerr := in.Close(); cerr != nil {
			w.Log.Warnf("Releasing input: %v", cerr)
		}
	}()

	producer, err := w.Engines(w.Score, in, w.Input)
	if err != nil {
		return false, fmt.Errorf("creating alignment engine: %w", err)
	}

	for {
		raw, err := producer.Next(ctx)
		switch {
		case errors.Is(err, align.ErrAlignmentComplete):
			return true, nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			w.Log.Debugf("Producer ended: %v", err)
			return false, nil
		case err != nil:
			return false, fmt.Errorf("alignment: %w", err)
		}

		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			return false, fmt.Errorf("alignment produced invalid position %v", raw)
		}
		w.Store.Set(w.SessionID, w.Score.QuarterAt(raw))
		if w.Metrics != nil {
			w.Metrics.PositionUpdates.Inc()
		}
	}
}
