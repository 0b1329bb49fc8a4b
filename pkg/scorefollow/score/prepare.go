package score

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/utils"
)

// Extensions accepted as uploaded scores.
var (
	MIDIExtensions     = []string{".mid", ".midi"}
	MusicXMLExtensions = []string{".xml", ".musicxml", ".mxl"}
)

// IsSupported reports whether filename has a score extension we can prepare.
func IsSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return isMIDI(ext) || isMusicXML(ext)
}

func isMIDI(ext string) bool {
	for _, e := range MIDIExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func isMusicXML(ext string) bool {
	for _, e := range MusicXMLExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Converter turns a notation file into a standard MIDI file.
type Converter interface {
	ToMIDI(ctx context.Context, src, dst string) error
}

// CommandConverter shells out to a notation program, MuseScore by default:
//
//	mscore -o out.mid in.musicxml
type CommandConverter struct {
	Command string
	Timeout time.Duration
}

func (c CommandConverter) ToMIDI(ctx context.Context, src, dst string) error {
	command := c.Command
	if command == "" {
		command = "mscore"
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, "-o", dst, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %v (%s)", command, err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("%s produced no MIDI output: %w", command, err)
	}
	return nil
}

// Prepared is the result of preparing an uploaded score.
type Prepared struct {
	Score     *Score
	MIDIPath  string
	AudioPath string
}

type PrepareConfig struct {
	Converter  Converter
	SampleRate int
}

// Prepare makes sure src has a MIDI form next to it and renders the reference
// audio as {stem}.wav.
func Prepare(ctx context.Context, src string, cfg PrepareConfig) (*Prepared, error) {
	ext := strings.ToLower(filepath.Ext(src))
	stem := strings.TrimSuffix(src, filepath.Ext(src))

	midiPath := src
	switch {
	case isMIDI(ext):
	case isMusicXML(ext):
		if cfg.Converter == nil {
			cfg.Converter = CommandConverter{Timeout: time.Minute}
		}
		midiPath = stem + ".mid"
		if err := cfg.Converter.ToMIDI(ctx, src, midiPath); err != nil {
			return nil, fmt.Errorf("converting %s to MIDI: %w", filepath.Base(src), err)
		}
	default:
		return nil, fmt.Errorf("unsupported score extension %q", ext)
	}

	s, err := Load(midiPath)
	if err != nil {
		return nil, err
	}

	audioPath := stem + ".wav"
	if err := RenderWAV(s, audioPath, cfg.SampleRate); err != nil {
		return nil, err
	}

	return &Prepared{Score: s, MIDIPath: midiPath, AudioPath: audioPath}, nil
}

// FindScoreFile locates an uploaded score for sessionID in dir by its
// "{sessionID}_" name prefix.
func FindScoreFile(dir, sessionID string) (string, error) {
	exts := append(append([]string{}, MusicXMLExtensions...), MIDIExtensions...)
	if path, ok := utils.FindByPrefix(dir, sessionID+"_", exts...); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
}
