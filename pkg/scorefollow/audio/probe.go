package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

var ErrNoAudioStream = errors.New("no audio stream found")

// Info describes an audio file as reported by ffprobe.
type Info struct {
	Filename    string
	Title       string
	DurationSec float64
	SampleRate  int
	Channels    int
	BitDepth    int
	Format      string
}

type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Format   string            `json:"format_name"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType     string `json:"codec_type"`
	SampleRate    string `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
}

func (p *ffprobeOutput) firstAudioStream() *ffprobeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "audio" {
			return &p.Streams[i]
		}
	}
	return nil
}

// Probe runs ffprobe on path. An empty ffprobe path means "ffprobe".
func Probe(ctx context.Context, ffprobe, path string) (*Info, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return parseProbe(out, path)
}

func parseProbe(out []byte, path string) (*Info, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	stream := probe.firstAudioStream()
	if stream == nil {
		return nil, fmt.Errorf("%w in %s", ErrNoAudioStream, filepath.Base(path))
	}

	duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
	sampleRate, _ := strconv.Atoi(stream.SampleRate)

	return &Info{
		Filename:    filepath.Base(path),
		Title:       probe.Format.Tags["title"],
		DurationSec: duration,
		SampleRate:  sampleRate,
		Channels:    stream.Channels,
		BitDepth:    stream.BitsPerSample,
		Format:      probe.Format.Format,
	}, nil
}
