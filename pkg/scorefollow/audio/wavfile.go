package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const defaultChunkSize = 1024

type FileInputConfig struct {
	ChunkSize int  // mono samples per frame
	Realtime  bool // pace frames at the file's sample rate
}

// FileInput streams a WAV file as if it were being played live.
type FileInput struct {
	*streamState
	f *os.File

	closeOnce sync.Once
	closeErr  error
}

// OpenWAV opens path and starts streaming its samples, downmixed to mono.
// The goroutine stops when the file is exhausted, ctx is done, or Close is called.
func OpenWAV(ctx context.Context, path string, cfg FileInputConfig) (*FileInput, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking PCM data in %s: %w", path, err)
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		f.Close()
		return nil, errors.New("WAV header has no channels or sample rate")
	}

	in := &FileInput{streamState: newStreamState(int(d.SampleRate)), f: f}
	go in.run(ctx, d, cfg)
	return in, nil
}

func (in *FileInput) run(ctx context.Context, d *wav.Decoder, cfg FileInputConfig) {
	defer close(in.frames)

	chans := int(d.NumChans)
	scale := float64(int64(1) << (d.BitDepth - 1))
	buf := &audio.IntBuffer{Data: make([]int, cfg.ChunkSize*chans)}
	chunkDur := time.Duration(float64(cfg.ChunkSize) / float64(d.SampleRate) * float64(time.Second))

	var ticker *time.Ticker
	if cfg.Realtime {
		ticker = time.NewTicker(chunkDur)
		defer ticker.Stop()
	}

	for {
		n, err := d.PCMBuffer(buf)
		if err != nil {
			in.fail(fmt.Errorf("decoding PCM: %w", err))
			return
		}
		if n == 0 {
			return
		}

		frame := make([]float64, n/chans)
		for i := range frame {
			var sum float64
			for c := 0; c < chans; c++ {
				sum += float64(buf.Data[i*chans+c])
			}
			frame[i] = sum / float64(chans) / scale
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				in.fail(ctx.Err())
				return
			case <-in.done:
				return
			}
		}
		if ctx.Err() != nil {
			in.fail(ctx.Err())
			return
		}
		if !in.send(frame) {
			return
		}
	}
}

func (in *FileInput) Close() error {
	in.closeOnce.Do(func() {
		in.stop()
		in.closeErr = in.f.Close()
	})
	return in.closeErr
}
