// Package score loads a prepared MIDI score and maps reference time to
// musical position through the file's tempo map.
package score

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const defaultBPM = 120.0

var (
	ErrNotFound              = errors.New("score not found")
	ErrUnsupportedTimeFormat = errors.New("unsupported MIDI time format")
)

// Note is a single sounding note in reference time.
type Note struct {
	Key      uint8
	Velocity uint8
	Start    float64 // seconds
	End      float64 // seconds
}

// tempoSegment starts at Tick/Seconds and runs at BPM until the next one.
type tempoSegment struct {
	Tick       int64
	Seconds    float64
	BPM        float64
	SecPerTick float64
}

// Score is an immutable, loaded MIDI score.
type Score struct {
	Path string

	ticksPerQuarter float64
	tempo           []tempoSegment
	onsets          []float64
	notes           []Note
	duration        float64
}

type tickEvent struct {
	tick int64
	msg  smf.Message
}

// Load reads a standard MIDI file and builds its tempo map.
func Load(path string) (*Score, error) {
	f, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading MIDI %s: %w", path, err)
	}
	return fromSMF(path, f)
}

func fromSMF(path string, f *smf.SMF) (*Score, error) {
	ticks, ok := f.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTimeFormat, f.TimeFormat)
	}

	var events []tickEvent
	var lastTick int64
	for _, track := range f.Tracks {
		var abs int64
		for _, ev := range track {
			abs += int64(ev.Delta)
			events = append(events, tickEvent{tick: abs, msg: ev.Message})
		}
		if abs > lastTick {
			lastTick = abs
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].tick < events[j].tick })

	s := &Score{
		Path:            path,
		ticksPerQuarter: float64(ticks.Resolution()),
	}
	s.buildTempoMap(events)
	s.collectNotes(events)
	s.duration = s.secondsAtTick(lastTick)
	for _, n := range s.notes {
		if n.End > s.duration {
			s.duration = n.End
		}
	}
	return s, nil
}

func (s *Score) buildTempoMap(events []tickEvent) {
	s.tempo = []tempoSegment{{Tick: 0, Seconds: 0, BPM: defaultBPM, SecPerTick: s.secPerTick(defaultBPM)}}
	for _, ev := range events {
		var bpm float64
		if !ev.msg.GetMetaTempo(&bpm) || bpm <= 0 {
			continue
		}
		last := s.tempo[len(s.tempo)-1]
		seg := tempoSegment{
			Tick:       ev.tick,
			Seconds:    last.Seconds + float64(ev.tick-last.Tick)*last.SecPerTick,
			BPM:        bpm,
			SecPerTick: s.secPerTick(bpm),
		}
		if seg.Tick == last.Tick {
			s.tempo[len(s.tempo)-1] = seg
			continue
		}
		s.tempo = append(s.tempo, seg)
	}
}

func (s *Score) collectNotes(events []tickEvent) {
	type noteKey struct{ ch, key uint8 }
	open := make(map[noteKey][]Note)
	seen := make(map[float64]bool)

	for _, ev := range events {
		var ch, key, vel uint8
		msg := midi.Message(ev.msg)
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			t := s.secondsAtTick(ev.tick)
			k := noteKey{ch, key}
			open[k] = append(open[k], Note{Key: key, Velocity: vel, Start: t})
			if !seen[t] {
				seen[t] = true
				s.onsets = append(s.onsets, t)
			}
		case msg.GetNoteEnd(&ch, &key):
			k := noteKey{ch, key}
			if pending := open[k]; len(pending) > 0 {
				n := pending[0]
				n.End = s.secondsAtTick(ev.tick)
				s.notes = append(s.notes, n)
				open[k] = pending[1:]
			}
		}
	}
	// notes never released last one beat
	for _, pending := range open {
		for _, n := range pending {
			n.End = n.Start + s.ticksPerQuarter*s.tempoAtSeconds(n.Start).SecPerTick
			s.notes = append(s.notes, n)
		}
	}
	sort.Float64s(s.onsets)
	sort.Slice(s.notes, func(i, j int) bool { return s.notes[i].Start < s.notes[j].Start })
}

func (s *Score) secPerTick(bpm float64) float64 {
	return 60.0 / bpm / s.ticksPerQuarter
}

func (s *Score) secondsAtTick(tick int64) float64 {
	seg := s.tempo[0]
	for _, t := range s.tempo[1:] {
		if t.Tick > tick {
			break
		}
		seg = t
	}
	return seg.Seconds + float64(tick-seg.Tick)*seg.SecPerTick
}

func (s *Score) tempoAtSeconds(seconds float64) tempoSegment {
	seg := s.tempo[0]
	for _, t := range s.tempo[1:] {
		if t.Seconds > seconds {
			break
		}
		seg = t
	}
	return seg
}

// QuarterAt converts reference time in seconds to a position in quarter notes.
// Negative and non-finite times map to 0.
func (s *Score) QuarterAt(seconds float64) float64 {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	seg := s.tempoAtSeconds(seconds)
	return float64(seg.Tick)/s.ticksPerQuarter + (seconds-seg.Seconds)*seg.BPM/60
}

// SecondsAt is the inverse of QuarterAt.
func (s *Score) SecondsAt(quarter float64) float64 {
	if quarter <= 0 {
		return 0
	}
	tick := quarter * s.ticksPerQuarter
	seg := s.tempo[0]
	for _, t := range s.tempo[1:] {
		if float64(t.Tick) > tick {
			break
		}
		seg = t
	}
	return seg.Seconds + (tick-float64(seg.Tick))*seg.SecPerTick
}

// Onsets returns the distinct note start times in seconds, ascending.
func (s *Score) Onsets() []float64 {
	out := make([]float64, len(s.onsets))
	copy(out, s.onsets)
	return out
}

// Notes returns all notes ordered by start time.
func (s *Score) Notes() []Note {
	out := make([]Note, len(s.notes))
	copy(out, s.notes)
	return out
}

// Duration is the length of the score in seconds.
func (s *Score) Duration() float64 {
	return s.duration
}
