// Package audio acquires the live or simulated audio an alignment worker
// listens to, and lists capture devices.
package audio

import "sync"

// Input is an exclusively owned stream of mono frames in [-1, 1].
// Frames is closed when the stream ends; Err tells a clean end from a failure.
// Close releases the underlying resource and is safe to call more than once.
type Input interface {
	Frames() <-chan []float64
	SampleRate() int
	Err() error
	Close() error
}

// streamState carries the bookkeeping shared by the Input implementations.
type streamState struct {
	frames chan []float64
	rate   int
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newStreamState(rate int) *streamState {
	return &streamState{
		frames: make(chan []float64, 16),
		rate:   rate,
		done:   make(chan struct{}),
	}
}

func (s *streamState) Frames() <-chan []float64 { return s.frames }
func (s *streamState) SampleRate() int          { return s.rate }

func (s *streamState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamState) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// send delivers a frame unless the input is being closed.
func (s *streamState) send(frame []float64) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	}
}

func (s *streamState) stop() {
	s.once.Do(func() { close(s.done) })
}

// silence is the input used when the engine needs no audio.
type silence struct{}

// None returns an Input that never yields frames.
func None() Input { return silence{} }

func (silence) Frames() <-chan []float64 { return nil }
func (silence) SampleRate() int          { return 0 }
func (silence) Err() error               { return nil }
func (silence) Close() error             { return nil }
