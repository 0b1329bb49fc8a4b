package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/models"
)

// PlaceholderDevice is reported when no capture device can be listed.
var PlaceholderDevice = models.AudioDevice{Index: 0, Name: "No audio devices found"}

var ErrNoDevices = errors.New("no audio input devices")

// DeviceLister enumerates audio input devices.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.AudioDevice, error)
}

// CommandLister lists devices through the platform's command line tools:
// ffmpeg on macOS and Windows, arecord on Linux.
type CommandLister struct {
	FFmpegPath  string
	ARecordPath string
	Timeout     time.Duration
}

func (l CommandLister) ListDevices(ctx context.Context) ([]models.AudioDevice, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ffmpeg := l.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	var devices []models.AudioDevice
	switch runtime.GOOS {
	case "darwin":
		// ffmpeg exits non-zero after listing; the listing is still on stderr.
		out, _ := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "").CombinedOutput()
		devices = ParseAVFoundation(string(out))
	case "windows":
		out, _ := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy").CombinedOutput()
		devices = ParseDirectShow(string(out))
	default:
		arecord := l.ARecordPath
		if arecord == "" {
			arecord = "arecord"
		}
		out, err := exec.CommandContext(ctx, arecord, "-l").Output()
		if err != nil {
			return nil, fmt.Errorf("arecord -l: %w", err)
		}
		devices = ParseARecord(string(out))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	return devices, nil
}

var (
	avDeviceLine = regexp.MustCompile(`\]\s*\[(\d+)\]\s+(.+?)\s*$`)
	dshowAudio   = regexp.MustCompile(`"(.+)"\s+\(audio\)`)
	arecordCard  = regexp.MustCompile(`^card (\d+): [^\[]*\[(.+?)\], device (\d+): [^\[]*\[(.+?)\]`)
)

// ParseAVFoundation reads the audio section of ffmpeg's avfoundation listing.
// The first device is treated as the system default.
func ParseAVFoundation(out string) []models.AudioDevice {
	var devices []models.AudioDevice
	inAudio := false
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		m := avDeviceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		devices = append(devices, models.AudioDevice{
			Index:   idx,
			Name:    m[2],
			Default: len(devices) == 0,
			Input:   m[1],
		})
	}
	return devices
}

// ParseDirectShow reads ffmpeg's dshow listing.
func ParseDirectShow(out string) []models.AudioDevice {
	var devices []models.AudioDevice
	for _, line := range strings.Split(out, "\n") {
		m := dshowAudio.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		devices = append(devices, models.AudioDevice{
			Index:   len(devices),
			Name:    m[1],
			Default: len(devices) == 0,
			Input:   m[1],
		})
	}
	return devices
}

// ParseARecord reads `arecord -l`. ALSA's "default" PCM is listed first.
func ParseARecord(out string) []models.AudioDevice {
	var devices []models.AudioDevice
	for _, line := range strings.Split(out, "\n") {
		m := arecordCard.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if len(devices) == 0 {
			devices = append(devices, models.AudioDevice{Index: 0, Name: "default", Default: true, Input: "default"})
		}
		devices = append(devices, models.AudioDevice{
			Index: len(devices),
			Name:  m[2] + ": " + m[4],
			Input: fmt.Sprintf("hw:%s,%s", m[1], m[3]),
		})
	}
	return devices
}

// DefaultFirst moves the default device to the front, keeping the rest in order.
func DefaultFirst(devices []models.AudioDevice) []models.AudioDevice {
	out := make([]models.AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.Default {
			out = append(out, d)
		}
	}
	for _, d := range devices {
		if !d.Default {
			out = append(out, d)
		}
	}
	return out
}

// ListOrPlaceholder never fails: when listing errors or finds nothing it
// returns PlaceholderDevice alone.
func ListOrPlaceholder(ctx context.Context, l DeviceLister) ([]models.AudioDevice, error) {
	devices, err := l.ListDevices(ctx)
	if err == nil && len(devices) == 0 {
		err = ErrNoDevices
	}
	if err != nil {
		return []models.AudioDevice{PlaceholderDevice}, err
	}
	return DefaultFirst(devices), nil
}

// ResolveDevice finds want among devices by index or case-insensitive name.
// An empty want selects the default device.
func ResolveDevice(devices []models.AudioDevice, want string) (models.AudioDevice, bool) {
	want = strings.TrimSpace(want)
	if want == "" {
		for _, d := range devices {
			if d.Default {
				return d, true
			}
		}
		return models.AudioDevice{}, false
	}
	if idx, err := strconv.Atoi(want); err == nil {
		for _, d := range devices {
			if d.Index == idx {
				return d, true
			}
		}
	}
	for _, d := range devices {
		if strings.EqualFold(d.Name, want) {
			return d, true
		}
	}
	return models.AudioDevice{}, false
}
