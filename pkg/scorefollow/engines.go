package scorefollow

import (
	"fmt"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/align"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
)

// Engine names accepted by EngineByName.
const (
	EngineAuto  = "auto"
	EngineClock = "clock"
	EngineOnset = "onset"
)

type EngineConfig struct {
	Clock align.ClockConfig
	Onset align.OnsetConfig
}

// DefaultEngines follows audio inputs with the onset engine and drives
// sessions without audio from the clock.
func DefaultEngines(cfg EngineConfig) EngineFactory {
	return func(ref *score.Score, in audio.Input, desc models.InputDescriptor) (align.Producer, error) {
		if desc.Kind == models.InputNone {
			return align.NewClock(ref, nil, cfg.Clock), nil
		}
		return align.NewOnset(ref, in, cfg.Onset), nil
	}
}

// EngineByName returns a factory that always uses the named engine, or
// DefaultEngines for "auto".
func EngineByName(name string, cfg EngineConfig) (EngineFactory, error) {
	switch name {
	case "", EngineAuto:
		return DefaultEngines(cfg), nil
	case EngineClock:
		return func(ref *score.Score, in audio.Input, desc models.InputDescriptor) (align.Producer, error) {
			if desc.Kind == models.InputNone {
				return align.NewClock(ref, nil, cfg.Clock), nil
			}
			return align.NewClock(ref, in, cfg.Clock), nil
		}, nil
	case EngineOnset:
		return func(ref *score.Score, in audio.Input, desc models.InputDescriptor) (align.Producer, error) {
			if desc.Kind == models.InputNone {
				return nil, fmt.Errorf("onset engine needs an audio input")
			}
			return align.NewOnset(ref, in, cfg.Onset), nil
		}, nil
	}
	return nil, fmt.Errorf("unknown engine %q", name)
}
