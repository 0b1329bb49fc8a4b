package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
)

// Opener acquires the Input named by an InputDescriptor.
type Opener struct {
	Lister  DeviceLister
	Capture CaptureConfig
	File    FileInputConfig
	TempDir string // where non-WAV files are converted
	// FFprobePath checks non-WAV files for an audio stream before conversion.
	FFprobePath string
}

// NewOpener returns an Opener for live use: files play back in real time.
func NewOpener(tempDir string) *Opener {
	return &Opener{
		Lister:  CommandLister{},
		File:    FileInputConfig{Realtime: true},
		TempDir: tempDir,
	}
}

func (o *Opener) Open(ctx context.Context, desc models.InputDescriptor) (Input, error) {
	switch desc.Kind {
	case models.InputNone:
		return None(), nil
	case models.InputDevice:
		return StartCapture(ctx, o.deviceInput(ctx, desc.Device), o.Capture)
	case models.InputFile, models.InputRendered:
		return o.openFile(ctx, desc.Path)
	default:
		return nil, fmt.Errorf("unknown input kind %q", desc.Kind)
	}
}

// deviceInput maps a device name or index to the ffmpeg input specifier.
// Unknown devices are passed to ffmpeg as given.
func (o *Opener) deviceInput(ctx context.Context, device string) string {
	if o.Lister == nil {
		return device
	}
	devices, err := o.Lister.ListDevices(ctx)
	if err != nil {
		return device
	}
	if d, ok := ResolveDevice(devices, device); ok {
		return d.Input
	}
	return device
}

func (o *Opener) openFile(ctx context.Context, path string) (Input, error) {
	if path == "" {
		return nil, fmt.Errorf("file input needs a path")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("file input: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		// ffprobe being unavailable is not fatal; conversion reports real problems.
		if _, err := Probe(ctx, o.FFprobePath, path); errors.Is(err, ErrNoAudioStream) {
			return nil, err
		}
		dir := o.TempDir
		if dir == "" {
			dir = os.TempDir()
		}
		converted, err := ConvertToMonoWAV(ctx, path, dir, ConvertWAVConfig{FFmpegPath: o.Capture.FFmpegPath})
		if err != nil {
			return nil, fmt.Errorf("converting %s: %w", filepath.Base(path), err)
		}
		path = converted
	}
	return OpenWAV(ctx, path, o.File)
}
