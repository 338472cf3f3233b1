package amplitude

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultMinDecibels = -100.0
	defaultMaxDecibels = -30.0
)

// Analyzer reduces a window of PCM16 samples to byte-scaled frequency magnitudes,
// the same shape a browser analyser node reports.
type Analyzer struct {
	size        int
	fft         *fourier.FFT
	window      []float64
	seq         []float64
	coeff       []complex128
	bins        []uint8
	minDecibels float64
	maxDecibels float64
}

// NewAnalyzer panics unless size is a power of two of at least 32.
func NewAnalyzer(size int) *Analyzer {
	if size < 32 || size&(size-1) != 0 {
		panic("amplitude: FFT size must be a power of two >= 32")
	}
	a := &Analyzer{
		size:        size,
		fft:         fourier.NewFFT(size),
		window:      make([]float64, size),
		seq:         make([]float64, size),
		coeff:       make([]complex128, size/2+1),
		bins:        make([]uint8, size/2),
		minDecibels: defaultMinDecibels,
		maxDecibels: defaultMaxDecibels,
	}
	// Blackman window
	for i := range a.window {
		x := 2 * math.Pi * float64(i) / float64(size)
		a.window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return a
}

func (a *Analyzer) Size() int {
	return a.size
}

// ByteFrequencyData returns size/2 bins in [0, 255]. The slice is reused between calls.
func (a *Analyzer) ByteFrequencyData(samples []int16) []uint8 {
	for i := range a.seq {
		var v float64
		if i < len(samples) {
			v = float64(samples[i]) / 32768
		}
		a.seq[i] = v * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.seq)
	span := a.maxDecibels - a.minDecibels
	for k := range a.bins {
		mag := cmplxAbs(a.coeff[k]) / float64(a.size)
		db := 20 * math.Log10(mag)
		scaled := 255 * (db - a.minDecibels) / span
		switch {
		case math.IsNaN(scaled) || scaled < 0:
			a.bins[k] = 0
		case scaled > 255:
			a.bins[k] = 255
		default:
			a.bins[k] = uint8(scaled)
		}
	}
	return a.bins
}

// Average is the mean of ByteFrequencyData.
func (a *Analyzer) Average(samples []int16) float64 {
	bins := a.ByteFrequencyData(samples)
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
