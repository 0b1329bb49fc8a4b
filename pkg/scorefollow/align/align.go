// Package align defines the contract for alignment engines and ships two
// baseline engines. Engines report positions as reference-time seconds.
package align

import (
	"context"
	"errors"
)

// ErrAlignmentComplete is returned by Next once the performance reached the
// end of the reference. It is the only graceful terminal signal; io.EOF or
// io.ErrUnexpectedEOF mean the input went away before completion.
var ErrAlignmentComplete = errors.New("alignment complete")

// Producer yields successive raw positions. Next blocks until a new position
// is available, the context is cancelled, or the sequence ends.
type Producer interface {
	Next(ctx context.Context) (float64, error)
}

// Reference is the view of a score that engines need.
type Reference interface {
	Duration() float64
	Onsets() []float64
}

// Source is a stream of mono audio frames.
type Source interface {
	Frames() <-chan []float64
	SampleRate() int
	// Err is non-nil when the frame channel closed because of a failure.
	Err() error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) (float64, error)

func (f ProducerFunc) Next(ctx context.Context) (float64, error) { return f(ctx) }
