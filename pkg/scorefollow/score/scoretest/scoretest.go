// Package scoretest writes small MIDI fixtures for tests.
package scoretest

import (
	"sort"
	"testing"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Resolution is the ticks-per-quarter used by WriteMIDI.
const Resolution = 480

type TempoChange struct {
	AtQuarter float64
	BPM       float64
}

// Fixture describes a one-track score: Notes consecutive quarter notes
// starting at beat 0, played at BPM with optional later tempo changes.
type Fixture struct {
	BPM          float64
	TempoChanges []TempoChange
	Notes        int
}

type event struct {
	tick  uint32
	order int
	msg   []byte
}

// WriteMIDI writes f as a standard MIDI file at path.
func WriteMIDI(tb testing.TB, path string, f Fixture) {
	tb.Helper()

	if f.BPM == 0 {
		f.BPM = 120
	}
	events := []event{{tick: 0, order: 0, msg: smf.MetaTempo(f.BPM)}}
	for _, tc := range f.TempoChanges {
		events = append(events, event{tick: uint32(tc.AtQuarter * Resolution), order: 0, msg: smf.MetaTempo(tc.BPM)})
	}
	for i := 0; i < f.Notes; i++ {
		key := uint8(60 + i%12)
		start := uint32(i * Resolution)
		events = append(events,
			event{tick: start + Resolution, order: 1, msg: midi.NoteOff(0, key)},
			event{tick: start, order: 2, msg: midi.NoteOn(0, key, 100)},
		)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].tick != events[j].tick {
			return events[i].tick < events[j].tick
		}
		return events[i].order < events[j].order
	})

	var track smf.Track
	var last uint32
	for _, ev := range events {
		track.Add(ev.tick-last, ev.msg)
		last = ev.tick
	}
	track.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(Resolution)
	if err := s.Add(track); err != nil {
		tb.Fatalf("adding track: %v", err)
	}
	if err := s.WriteFile(path); err != nil {
		tb.Fatalf("writing MIDI fixture: %v", err)
	}
}
