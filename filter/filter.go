// Package filter implements the zero-phase band-pass (and optional notch)
// filtering applied per channel before epoching.
//
// Filters are cascades of second-order sections. Application runs the cascade
// forward and then backward over the whole buffer, which cancels the phase
// response but makes the filter non-causal: it needs the complete buffer and
// cannot run sample by sample.
package filter

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/eeg"
)

// Design describes a Butterworth band-pass with an optional notch stage.
type Design struct {
	SampleRate float64 // Hz
	Low, High  float64 // pass band edges, Hz
	Order      int
	Notch      *Notch
}

// Notch is a second-order IIR notch (e.g. mains interference).
type Notch struct {
	Freq    float64
	Quality float64
}

type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64 // a0 == 1
}

// Filter is an immutable designed filter; Apply is safe for concurrent use.
type Filter struct {
	design   Design
	sections []biquad
	zi       [][2]float64 // step-response steady state per section
}

// FromConfig designs the filter described by the filter config section.
func FromConfig(c cfg.Filter) (*Filter, error) {
	d := Design{SampleRate: c.SampleRate, Low: c.Low, High: c.High, Order: c.Order}
	if c.Notch.Enabled {
		d.Notch = &Notch{Freq: c.Notch.Freq, Quality: c.Notch.Quality}
	}
	return New(d)
}

func New(d Design) (*Filter, error) {
	nyq := d.SampleRate / 2
	switch {
	case d.SampleRate <= 0:
		return nil, errors.New("filter: sample rate must be positive")
	case d.Order < 1:
		return nil, errors.New("filter: order must be at least 1")
	case d.Low <= 0 || d.High >= nyq || d.Low >= d.High:
		return nil, fmt.Errorf("filter: band %.3f-%.3f Hz outside (0, %.3f)", d.Low, d.High, nyq)
	}
	sections := bandpass(d.SampleRate, d.Low, d.High, d.Order)
	if d.Notch != nil {
		if d.Notch.Freq <= 0 || d.Notch.Freq >= nyq || d.Notch.Quality <= 0 {
			return nil, fmt.Errorf("filter: invalid notch %.3f Hz Q=%.3f", d.Notch.Freq, d.Notch.Quality)
		}
		sections = append(sections, notch(d.SampleRate, d.Notch.Freq, d.Notch.Quality))
	}
	return &Filter{design: d, sections: sections, zi: steadyState(sections)}, nil
}

func (f *Filter) Design() Design { return f.design }

// bandpass designs an order-n Butterworth band-pass by prewarping the band
// edges, mapping the analog low-pass prototype to a band-pass and applying
// the bilinear transform. The result has n biquads, each with zeros at z=1
// and z=-1, scaled for unit gain at the band centre.
func bandpass(fs, low, high float64, n int) []biquad {
	k := 2 * fs
	wl := k * math.Tan(math.Pi*low/fs)
	wh := k * math.Tan(math.Pi*high/fs)
	bw := wh - wl
	w0 := math.Sqrt(wl * wh)

	var poles []complex128
	for i := 0; i < n; i++ {
		p := cmplx.Exp(complex(0, math.Pi*float64(2*i+1+n)/float64(2*n)))
		pb := p * complex(bw/2, 0)
		d := cmplx.Sqrt(pb*pb - complex(w0*w0, 0))
		for _, s := range []complex128{pb + d, pb - d} {
			poles = append(poles, (complex(k, 0)+s)/(complex(k, 0)-s))
		}
	}

	const tol = 1e-12
	var upper []complex128
	var reals []float64
	for _, z := range poles {
		switch {
		case imag(z) > tol:
			upper = append(upper, z)
		case imag(z) >= -tol:
			reals = append(reals, real(z))
		}
	}

	sections := make([]biquad, 0, n)
	for _, z := range upper {
		sections = append(sections, biquad{b0: 1, b2: -1, a1: -2 * real(z), a2: cmplx.Abs(z) * cmplx.Abs(z)})
	}
	for i := 0; i+1 < len(reals); i += 2 {
		sections = append(sections, biquad{b0: 1, b2: -1, a1: -(reals[i] + reals[i+1]), a2: reals[i] * reals[i+1]})
	}

	// unit gain at the digital image of the analog centre frequency
	centre := 2 * math.Atan(w0/k)
	g := math.Pow(1/cmplx.Abs(response(sections, centre)), 1/float64(len(sections)))
	for i := range sections {
		sections[i].b0 *= g
		sections[i].b2 *= g
	}
	return sections
}

// notch matches the classic iirnotch design: -3 dB bandwidth freq/q.
func notch(fs, freq, q float64) biquad {
	w0 := 2 * math.Pi * freq / fs
	bw := w0 / q
	beta := math.Tan(bw / 2)
	gain := 1 / (1 + beta)
	c := math.Cos(w0)
	return biquad{b0: gain, b1: -2 * gain * c, b2: gain, a1: -2 * gain * c, a2: 2*gain - 1}
}

// response evaluates the cascade at normalised angular frequency w.
func response(sections []biquad, w float64) complex128 {
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	h := complex(1, 0)
	for _, s := range sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z1 + complex(s.b2, 0)*z2
		den := 1 + complex(s.a1, 0)*z1 + complex(s.a2, 0)*z2
		h *= num / den
	}
	return h
}

// steadyState returns the per-section states reached after a long unit step,
// each scaled by the DC gain of the sections before it.
func steadyState(sections []biquad) [][2]float64 {
	zi := make([][2]float64, len(sections))
	scale := 1.0
	for i, s := range sections {
		g := (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
		z2 := s.b2 - s.a2*g
		z1 := s.b1 - s.a1*g + z2
		zi[i] = [2]float64{scale * z1, scale * z2}
		scale *= g
	}
	return zi
}

// run filters x in place through the cascade in direct form II transposed,
// starting each section from zi scaled by x0.
func (f *Filter) run(x []float64, x0 float64) {
	for si, s := range f.sections {
		z1, z2 := f.zi[si][0]*x0, f.zi[si][1]*x0
		for i, v := range x {
			y := s.b0*v + z1
			z1 = s.b1*v - s.a1*y + z2
			z2 = s.b2*v - s.a2*y
			x[i] = y
		}
	}
}

// padLen is the odd-extension length used at each end.
func (f *Filter) padLen() int { return 3 * (2*len(f.sections) + 1) }

// Apply returns the zero-phase filtered copy of x. The output has the same
// length and units as x. Short inputs get a shorter edge extension.
func (f *Filter) Apply(x []float64) []float64 {
	n := len(x)
	if n < 2 {
		return append([]float64(nil), x...)
	}
	edge := f.padLen()
	if edge > n-1 {
		edge = n - 1
	}

	ext := make([]float64, 0, n+2*edge)
	for i := edge; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-edge; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	f.run(ext, ext[0])
	reverse(ext)
	f.run(ext, ext[0])
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[edge:edge+n])
	return out
}

// ApplyRecords filters every channel over the whole record buffer. Times and
// labels are untouched.
func (f *Filter) ApplyRecords(recs []eeg.MergedRecord) []eeg.MergedRecord {
	if len(recs) == 0 {
		return nil
	}
	channels := len(recs[0].Channels)
	cols := make([][]float64, channels)
	for ch := range cols {
		col := make([]float64, len(recs))
		for i, r := range recs {
			if ch < len(r.Channels) {
				col[i] = r.Channels[ch]
			}
		}
		cols[ch] = f.Apply(col)
	}

	out := make([]eeg.MergedRecord, len(recs))
	for i, r := range recs {
		vals := make([]float64, channels)
		for ch := range vals {
			vals[ch] = cols[ch][i]
		}
		out[i] = eeg.MergedRecord{Time: r.Time, Channels: vals, Label: r.Label}
	}
	return out
}

// ApplyMatrix filters a channels x samples matrix row by row.
func (f *Filter) ApplyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = f.Apply(row)
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
