// Package mastering records both sides of a session through a fixed
// mastering chain and exports the result as a normalized WAV file.
//
// The chain is high-pass, presence peak, high shelf, compressor and limiter,
// in that order. Its parameters come from the session's quality tier and do
// not change while the session runs.
package mastering

import (
	"errors"
	"fmt"
	"time"
)

// Quality selects a mastering tier.
type Quality string

// ErrUnknownQuality is returned by [ParseQuality] for an unrecognised tier.
var ErrUnknownQuality = errors.New("mastering: unknown quality")

const (
	QualityStandard Quality = "standard"
	QualityStudio   Quality = "studio"
)

// ParseQuality maps a config string to a Quality. The empty string selects
// [QualityStandard].
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "", QualityStandard:
		return QualityStandard, nil
	case QualityStudio:
		return QualityStudio, nil
	}
	return "", fmt.Errorf("%w %q (want standard or studio)", ErrUnknownQuality, s)
}

// FilterConfig parameterizes one biquad stage.
type FilterConfig struct {
	Freq   float64 // Hz
	Q      float64
	GainDB float64
}

// DynamicsConfig parameterizes the compressor or the limiter.
type DynamicsConfig struct {
	ThresholdDB float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
}

// ChainConfig holds the parameters of every chain stage.
type ChainConfig struct {
	HighPass   FilterConfig
	Presence   FilterConfig
	HighShelf  FilterConfig
	Compressor DynamicsConfig
	Limiter    DynamicsConfig
}

var limiter = DynamicsConfig{
	ThresholdDB: -1.5,
	Ratio:       20,
	Attack:      time.Millisecond,
	Release:     50 * time.Millisecond,
}

// ConfigFor returns the chain parameters of tier q. Unknown tiers get the
// standard parameters.
func ConfigFor(q Quality) ChainConfig {
	if q == QualityStudio {
		return ChainConfig{
			HighPass:  FilterConfig{Freq: 90, Q: 0.7},
			Presence:  FilterConfig{Freq: 3200, Q: 1.0, GainDB: 3.5},
			HighShelf: FilterConfig{Freq: 10000, GainDB: 4.0},
			Compressor: DynamicsConfig{
				ThresholdDB: -24,
				Ratio:       5,
				Attack:      5 * time.Millisecond,
				Release:     200 * time.Millisecond,
			},
			Limiter: limiter,
		}
	}
	return ChainConfig{
		HighPass:  FilterConfig{Freq: 80, Q: 0.7},
		Presence:  FilterConfig{Freq: 3200, Q: 1.0, GainDB: 2.0},
		HighShelf: FilterConfig{Freq: 10000, GainDB: 1.5},
		Compressor: DynamicsConfig{
			ThresholdDB: -18,
			Ratio:       4,
			Attack:      5 * time.Millisecond,
			Release:     200 * time.Millisecond,
		},
		Limiter: limiter,
	}
}

// Chain runs samples through the stages in order.
type Chain struct {
	stages [5]Stage
}

// NewChain builds the stages of cfg for a stream at rate Hz.
func NewChain(cfg ChainConfig, rate int) *Chain {
	return &Chain{stages: [5]Stage{
		newHighPass(cfg.HighPass.Freq, cfg.HighPass.Q, rate),
		newPeaking(cfg.Presence.Freq, cfg.Presence.Q, cfg.Presence.GainDB, rate),
		newHighShelf(cfg.HighShelf.Freq, cfg.HighShelf.GainDB, rate),
		newDynamics(cfg.Compressor, rate),
		newDynamics(cfg.Limiter, rate),
	}}
}

// Process runs one sample through every stage.
func (c *Chain) Process(x float64) float64 {
	for _, s := range c.stages {
		x = s.Process(x)
	}
	return x
}

// Reset clears the state of every stage.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}
