package score

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	DefaultRenderSampleRate = 22050

	renderGain    = 0.2
	renderAttack  = 0.01 // seconds
	renderRelease = 0.05 // seconds
	renderTail    = 0.5  // seconds of silence after the last note
)

// RenderWAV synthesizes the score as mono 16-bit sine tones. The result is a
// reference rendering, not a faithful performance.
func RenderWAV(s *Score, path string, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultRenderSampleRate
	}

	total := int(math.Ceil((s.Duration() + renderTail) * float64(sampleRate)))
	mix := make([]float64, total)
	for _, n := range s.notes {
		addTone(mix, n, sampleRate)
	}

	data := make([]int, total)
	for i, v := range mix {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * math.MaxInt16)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing %s: %w", path, err)
	}
	return nil
}

func addTone(mix []float64, n Note, sampleRate int) {
	freq := 440 * math.Pow(2, (float64(n.Key)-69)/12)
	amp := renderGain * float64(n.Velocity) / 127
	sr := float64(sampleRate)

	start := int(n.Start * sr)
	end := int((n.End + renderRelease) * sr)
	if end > len(mix) {
		end = len(mix)
	}
	noteLen := n.End - n.Start

	for i := start; i < end; i++ {
		t := float64(i-start) / sr
		env := 1.0
		switch {
		case t < renderAttack:
			env = t / renderAttack
		case t > noteLen:
			env = math.Max(0, 1-(t-noteLen)/renderRelease)
		}
		mix[i] += amp * env * math.Sin(2*math.Pi*freq*t)
	}
}
