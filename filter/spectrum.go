package filter

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// LineNoiseRatio returns the share of spectral power (DC excluded) that lies
// within ±1 Hz of freq. It is a cheap check for mains interference: values
// well above the bin share of a 2 Hz band mean the notch stage is worth
// enabling.
func LineNoiseRatio(x []float64, fs, freq float64) float64 {
	n := len(x)
	if n < 4 || fs <= 0 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	centred := make([]float64, n)
	for i, v := range x {
		centred[i] = v - mean
	}

	spec := fft.FFTReal(centred)
	var total, band float64
	for k := 1; k <= n/2; k++ {
		p := math.Pow(cmplx.Abs(spec[k]), 2)
		total += p
		if math.Abs(float64(k)*fs/float64(n)-freq) <= 1 {
			band += p
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}
