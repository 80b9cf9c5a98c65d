// Package abuse scores client behavior and escalates from soft throttling
// to temporary blocking.
//
// Every decision feeds an incremental contribution into an exponential
// moving average kept on the client state. Crossing the alert threshold
// raises an abuse signal; a high score combined with repeated violations
// blocks the client for a fixed duration. Blocks expire lazily on the next
// check.
package abuse

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid abuse configuration")

// Config tunes the detector.
type Config struct {
	// AlertThreshold raises an abuse signal when the score crosses it upward.
	AlertThreshold float64 `yaml:"alertThreshold" json:"alert_threshold"`

	// BlockThreshold and MinViolations together trigger a block: the score
	// must exceed BlockThreshold and the violation count MinViolations.
	BlockThreshold float64 `yaml:"blockThreshold" json:"block_threshold"`
	MinViolations  int     `yaml:"minViolations" json:"min_violations"`

	// BlockDuration is how long a block lasts.
	BlockDuration time.Duration `yaml:"blockDuration" json:"block_duration"`

	// Window is the observation window for request rate and scope diversity.
	Window time.Duration `yaml:"window" json:"window"`

	// Decay is the weight of the previous score in the moving average.
	Decay float64 `yaml:"decay" json:"decay"`

	// SignalSaturation is the incremental contribution that maps to a full
	// signal of 1. Setting it to 1 gives the plain moving average
	// score*Decay + incremental*(1-Decay).
	SignalSaturation float64 `yaml:"signalSaturation" json:"signal_saturation"`

	// Contributions.
	DeniedWeight    float64 `yaml:"deniedWeight" json:"denied_weight"`
	RateWeight      float64 `yaml:"rateWeight" json:"rate_weight"`
	DiversityWeight float64 `yaml:"diversityWeight" json:"diversity_weight"`
	HoursWeight     float64 `yaml:"hoursWeight" json:"hours_weight"`

	// HighRateRatio is the share of the per-minute limit above which the
	// recent request count counts as a high rate.
	HighRateRatio float64 `yaml:"highRateRatio" json:"high_rate_ratio"`

	// HighVolumeRatio is the share of the per-minute limit from which low
	// scope diversity is suspicious.
	HighVolumeRatio float64 `yaml:"highVolumeRatio" json:"high_volume_ratio"`

	// MinScopes is the diversity below which a high volume client scores.
	MinScopes int `yaml:"minScopes" json:"min_scopes"`

	// UnusualHours is a UTC hour band that scores activity.
	UnusualHours HourBand `yaml:"unusualHours" json:"unusual_hours"`
}

// HourBand is a band of UTC hours [Start, End). A band with Start > End
// wraps midnight.
type HourBand struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Start   int  `yaml:"start" json:"start"`
	End     int  `yaml:"end" json:"end"`
}

// Contains reports whether t falls into the band.
func (b HourBand) Contains(t time.Time) bool {
	if !b.Enabled || b.Start == b.End {
		return false
	}
	h := t.UTC().Hour()
	if b.Start < b.End {
		return h >= b.Start && h < b.End
	}
	return h >= b.Start || h < b.End
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AlertThreshold:   0.8,
		BlockThreshold:   0.9,
		MinViolations:    5,
		BlockDuration:    time.Hour,
		Window:           time.Minute,
		Decay:            0.7,
		SignalSaturation: 0.5,
		DeniedWeight:     0.3,
		RateWeight:       0.2,
		DiversityWeight:  0.1,
		HoursWeight:      0.1,
		HighRateRatio:    0.8,
		HighVolumeRatio:  0.5,
		MinScopes:        2,
		UnusualHours:     HourBand{Start: 2, End: 5},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.AlertThreshold <= 0 || c.AlertThreshold > 1:
		return fmt.Errorf("%w: alert threshold must be in (0, 1]", ErrInvalidConfig)
	case c.BlockThreshold <= 0 || c.BlockThreshold >= 1:
		return fmt.Errorf("%w: block threshold must be in (0, 1)", ErrInvalidConfig)
	case c.MinViolations < 0:
		return fmt.Errorf("%w: min violations must be >= 0", ErrInvalidConfig)
	case c.BlockDuration <= 0:
		return fmt.Errorf("%w: block duration must be positive", ErrInvalidConfig)
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	case c.Decay < 0 || c.Decay >= 1:
		return fmt.Errorf("%w: decay must be in [0, 1)", ErrInvalidConfig)
	case c.SignalSaturation <= 0:
		return fmt.Errorf("%w: signal saturation must be positive", ErrInvalidConfig)
	case c.DeniedWeight < 0 || c.RateWeight < 0 || c.DiversityWeight < 0 || c.HoursWeight < 0:
		return fmt.Errorf("%w: weights must be >= 0", ErrInvalidConfig)
	case c.HighRateRatio <= 0 || c.HighVolumeRatio <= 0:
		return fmt.Errorf("%w: rate ratios must be positive", ErrInvalidConfig)
	case c.UnusualHours.Start < 0 || c.UnusualHours.Start > 23 || c.UnusualHours.End < 0 || c.UnusualHours.End > 24:
		return fmt.Errorf("%w: unusual hours must be within 0-24", ErrInvalidConfig)
	}
	return nil
}
