package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

const DefaultCaptureSampleRate = 22050

type CaptureConfig struct {
	FFmpegPath string // "ffmpeg" when empty
	Format     string // avfoundation, alsa or dshow; picked from GOOS when empty
	SampleRate int
	ChunkSize  int // mono samples per frame
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Format == "" {
		c.Format = platformFormat()
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultCaptureSampleRate
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	return c
}

func platformFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "alsa"
	}
}

// deviceArg builds the ffmpeg -i argument for an input device.
func deviceArg(format, device string) string {
	switch format {
	case "avfoundation":
		if device == "" {
			device = "default"
		}
		return ":" + device
	case "dshow":
		return "audio=" + device
	default:
		if device == "" {
			return "default"
		}
		return device
	}
}

// CaptureInput streams a capture device through an ffmpeg child process.
type CaptureInput struct {
	*streamState
	cmd    *exec.Cmd
	stderr bytes.Buffer
	exited chan struct{}
}

// StartCapture launches ffmpeg reading device and decoding to mono s16le.
// A capture device never ends cleanly: when ffmpeg exits on its own, Err
// reports why.
func StartCapture(ctx context.Context, device string, cfg CaptureConfig) (*CaptureInput, error) {
	cfg = cfg.withDefaults()

	cmd := exec.CommandContext(ctx, cfg.FFmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-f", cfg.Format,
		"-i", deviceArg(cfg.Format, device),
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	in := &CaptureInput{
		streamState: newStreamState(cfg.SampleRate),
		cmd:         cmd,
		exited:      make(chan struct{}),
	}
	cmd.Stderr = &in.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg capture: %w", err)
	}

	go in.run(stdout, cfg.ChunkSize)
	return in, nil
}

func (in *CaptureInput) run(stdout io.Reader, chunk int) {
	defer close(in.exited)
	defer close(in.frames)

	raw := make([]byte, chunk*2)
	for {
		if _, err := io.ReadFull(stdout, raw); err != nil {
			waitErr := in.cmd.Wait()
			if in.closing() {
				return
			}
			if waitErr == nil {
				waitErr = err
			}
			in.fail(fmt.Errorf("capture ended: %v (%s)", waitErr, strings.TrimSpace(in.stderr.String())))
			return
		}

		frame := make([]float64, chunk)
		for i := range frame {
			frame[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
		}
		if !in.send(frame) {
			in.cmd.Process.Kill()
			in.cmd.Wait()
			return
		}
	}
}

func (in *CaptureInput) closing() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

// Close stops ffmpeg and waits for the reader goroutine to finish.
func (in *CaptureInput) Close() error {
	in.stop()
	if in.cmd.Process != nil {
		in.cmd.Process.Kill()
	}
	<-in.exited
	return nil
}
