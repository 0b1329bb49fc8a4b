package align

import (
	"context"
	"fmt"
	"io"
	"time"
)

type OnsetConfig struct {
	WindowSize int           // STFT window in samples, power of two
	HopSize    int           // samples between windows
	History    int           // flux values averaged for the adaptive threshold
	Multiplier float64       // threshold = max(MinFlux, Multiplier * mean(history))
	MinFlux    float64       // absolute floor for the threshold
	MinGap     time.Duration // onsets closer than this are merged
}

func defaultOnsetConfig() OnsetConfig {
	return OnsetConfig{
		WindowSize: 1024,
		HopSize:    512,
		History:    16,
		Multiplier: 1.5,
		MinFlux:    1.0,
		MinGap:     100 * time.Millisecond,
	}
}

// onsetFollower steps through the score's onsets, advancing one onset for
// every onset it detects in the input. It never skips or goes back, so it is
// only as good as the performance is clean.
type onsetFollower struct {
	onsets []float64
	src    Source
	cfg    OnsetConfig

	window    []float64
	buf       []float64
	prevMag   []float64
	history   []float64
	minGap    int64
	sample    int64 // sample index of buf[0]
	lastOnset int64
	next      int
}

// NewOnset returns a Producer that detects onsets in src with spectral flux.
// A source that drains cleanly completes the alignment; a failing source
// ends the sequence with io.ErrUnexpectedEOF.
func NewOnset(ref Reference, src Source, cfg OnsetConfig) Producer {
	def := defaultOnsetConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HopSize <= 0 {
		cfg.HopSize = cfg.WindowSize / 2
	}
	if cfg.HopSize > cfg.WindowSize {
		cfg.HopSize = cfg.WindowSize
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MinFlux <= 0 {
		cfg.MinFlux = def.MinFlux
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = def.MinGap
	}

	return &onsetFollower{
		onsets:    ref.Onsets(),
		src:       src,
		cfg:       cfg,
		window:    hamming(cfg.WindowSize),
		minGap:    int64(cfg.MinGap.Seconds() * float64(src.SampleRate())),
		lastOnset: -1 << 62,
	}
}

func (o *onsetFollower) Next(ctx context.Context) (float64, error) {
	frames := o.src.Frames()
	for {
		if o.next >= len(o.onsets) {
			return 0, ErrAlignmentComplete
		}

		for len(o.buf) >= o.cfg.WindowSize {
			at := o.sample
			detected := o.step()
			if detected && at-o.lastOnset >= o.minGap {
				o.lastOnset = at
				pos := o.onsets[o.next]
				o.next++
				return pos, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				if err := o.src.Err(); err != nil {
					return 0, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
				}
				return 0, ErrAlignmentComplete
			}
			o.buf = append(o.buf, frame...)
		}
	}
}

// step analyses the window at the head of buf, advances by one hop and
// reports whether the window's flux crossed the adaptive threshold.
func (o *onsetFollower) step() bool {
	frame := make([]float64, o.cfg.WindowSize)
	copy(frame, o.buf[:o.cfg.WindowSize])
	o.buf = o.buf[o.cfg.HopSize:]
	o.sample += int64(o.cfg.HopSize)

	mag := magnitudeSpectrum(frame, o.window)
	flux := spectralFlux(o.prevMag, mag)
	o.prevMag = mag

	var mean float64
	for _, f := range o.history {
		mean += f
	}
	if len(o.history) > 0 {
		mean /= float64(len(o.history))
	}
	threshold := o.cfg.Multiplier * mean
	if threshold < o.cfg.MinFlux {
		threshold = o.cfg.MinFlux
	}

	o.history = append(o.history, flux)
	if len(o.history) > o.cfg.History {
		o.history = o.history[1:]
	}
	return flux > threshold
}
