package align

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

func hamming(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// magnitudeSpectrum windows frame in place and returns the magnitudes of the
// non-redundant half of its spectrum.
func magnitudeSpectrum(frame, window []float64) []float64 {
	for i := range frame {
		frame[i] *= window[i]
	}
	spectrum := fft.FFTReal(frame)
	half := len(spectrum) / 2
	mag := make([]float64, half)
	for i := 0; i < half; i++ {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}

// spectralFlux sums the bin-wise magnitude increases from prev to cur.
// A nil prev counts as silence.
func spectralFlux(prev, cur []float64) float64 {
	var flux float64
	for i, m := range cur {
		d := m
		if prev != nil {
			d -= prev[i]
		}
		if d > 0 {
			flux += d
		}
	}
	return flux
}
