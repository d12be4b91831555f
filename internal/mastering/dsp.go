package mastering

import (
	"math"
	"time"
)

// Stage is one step of the mastering chain. Stages are stateful and process
// one sample at a time in [-1, 1] full-scale units.
type Stage interface {
	Process(x float64) float64
	Reset()
}

// biquad is a transposed direct form II second-order filter with RBJ
// cookbook coefficients normalized by a0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (f *biquad) Process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

func (f *biquad) Reset() { f.z1, f.z2 = 0, 0 }

func newBiquad(b0, b1, b2, a0, a1, a2 float64) *biquad {
	return &biquad{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

// newHighPass returns a second-order high-pass at freq Hz.
func newHighPass(freq, q float64, rate int) *biquad {
	w0 := 2 * math.Pi * freq / float64(rate)
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * q)
	return newBiquad(
		(1+cosw)/2, -(1 + cosw), (1+cosw)/2,
		1+alpha, -2*cosw, 1-alpha,
	)
}

// newPeaking returns a peaking EQ boosting gainDB at freq Hz.
func newPeaking(freq, q, gainDB float64, rate int) *biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / float64(rate)
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * q)
	return newBiquad(
		1+alpha*a, -2*cosw, 1-alpha*a,
		1+alpha/a, -2*cosw, 1-alpha/a,
	)
}

// newHighShelf returns a high shelf with unit slope boosting gainDB above
// freq Hz.
func newHighShelf(freq, gainDB float64, rate int) *biquad {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freq / float64(rate)
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / 2 * math.Sqrt2
	sa := 2 * math.Sqrt(a) * alpha
	return newBiquad(
		a*((a+1)+(a-1)*cosw+sa),
		-2*a*((a-1)+(a+1)*cosw),
		a*((a+1)+(a-1)*cosw-sa),
		(a+1)-(a-1)*cosw+sa,
		2*((a-1)-(a+1)*cosw),
		(a+1)-(a-1)*cosw-sa,
	)
}

// dynamics is a feed-forward peak compressor working in the dB domain. With
// a high ratio and short attack it acts as a limiter.
type dynamics struct {
	threshold float64 // dBFS
	slope     float64 // 1 - 1/ratio
	attack    float64
	release   float64
	reduction float64 // smoothed gain reduction in dB, >= 0
}

func newDynamics(cfg DynamicsConfig, rate int) *dynamics {
	return &dynamics{
		threshold: cfg.ThresholdDB,
		slope:     1 - 1/cfg.Ratio,
		attack:    smoothing(cfg.Attack, rate),
		release:   smoothing(cfg.Release, rate),
	}
}

// smoothing returns the one-pole coefficient for time constant d.
func smoothing(d time.Duration, rate int) float64 {
	if d <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(rate)))
}

func (d *dynamics) Process(x float64) float64 {
	var target float64
	if level := math.Abs(x); level > 0 {
		if over := 20*math.Log10(level) - d.threshold; over > 0 {
			target = over * d.slope
		}
	}
	coeff := d.release
	if target > d.reduction {
		coeff = d.attack
	}
	d.reduction = coeff*d.reduction + (1-coeff)*target
	return x * math.Pow(10, -d.reduction/20)
}

func (d *dynamics) Reset() { d.reduction = 0 }
