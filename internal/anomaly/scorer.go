// internal/anomaly/scorer.go
package anomaly

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/lumix-ai/htm/internal/core"
)

// Smoothing - how the scorer post-processes raw scores
type Smoothing string

const (
	SmoothingNone   Smoothing = "none"
	SmoothingEMA    Smoothing = "ema"
	SmoothingWindow Smoothing = "window"
)

// Config - anomaly scoring options
type Config struct {
	HistorySize int       `yaml:"history_size"`
	Smoothing   Smoothing `yaml:"smoothing"`
	// Alpha is the weight of the newest score under ema smoothing.
	Alpha      float64          `yaml:"alpha"`
	Window     int              `yaml:"window"`
	Likelihood LikelihoodConfig `yaml:"likelihood"`
}

func DefaultConfig() Config {
	return Config{
		HistorySize: 1000,
		Smoothing:   SmoothingNone,
		Alpha:       0.1,
		Window:      10,
		Likelihood:  DefaultLikelihoodConfig(),
	}
}

func (c Config) Validate() error {
	const component = "anomaly"
	if c.HistorySize <= 0 {
		return core.NewConfigError(component, "history_size", "must be positive, got %d", c.HistorySize)
	}
	switch c.Smoothing {
	case SmoothingNone:
	case SmoothingEMA:
		if c.Alpha <= 0 || c.Alpha > 1 {
			return core.NewConfigError(component, "alpha", "must be in (0, 1], got %g", c.Alpha)
		}
	case SmoothingWindow:
		if c.Window <= 0 || c.Window > c.HistorySize {
			return core.NewConfigError(component, "window", "must be in [1, history_size=%d], got %d", c.HistorySize, c.Window)
		}
	default:
		return core.NewConfigError(component, "smoothing", "unknown mode %q (want none, ema or window)", c.Smoothing)
	}
	return c.Likelihood.Validate()
}

// Score - fraction of active columns that were not predicted. Both sets are sorted;
// an empty active set scores 0.
func Score(active, predicted []int) float64 {
	if len(active) == 0 {
		return 0
	}
	missed := len(core.Difference(active, predicted))
	return float64(missed) / float64(len(active))
}

// Scorer - raw score plus a bounded history and the configured smoothing
type Scorer struct {
	config Config

	history []float64
	head    int
	count   int

	ema      float64
	emaReady bool
}

func NewScorer(config Config) (*Scorer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		config:  config,
		history: make([]float64, config.HistorySize),
	}, nil
}

func (s *Scorer) Config() Config { return s.config }

// Compute - raw and smoothed score for one step, recording the raw score
func (s *Scorer) Compute(active, predicted []int) (raw, smoothed float64) {
	raw = Score(active, predicted)
	return raw, s.Record(raw)
}

// Record - push a raw score into the history and return the smoothed value
func (s *Scorer) Record(raw float64) float64 {
	s.history[s.head] = raw
	s.head = (s.head + 1) % len(s.history)
	if s.count < len(s.history) {
		s.count++
	}

	if s.emaReady {
		s.ema = s.config.Alpha*raw + (1-s.config.Alpha)*s.ema
	} else {
		s.ema = raw
		s.emaReady = true
	}

	switch s.config.Smoothing {
	case SmoothingEMA:
		return s.ema
	case SmoothingWindow:
		return stat.Mean(s.Recent(s.config.Window), nil)
	default:
		return raw
	}
}

// Recent - up to n most recent raw scores, oldest first
func (s *Scorer) Recent(n int) []float64 {
	if n > s.count {
		n = s.count
	}
	out := make([]float64, n)
	start := s.head - n
	if start < 0 {
		start += len(s.history)
	}
	for i := 0; i < n; i++ {
		out[i] = s.history[(start+i)%len(s.history)]
	}
	return out
}

// History - every retained raw score, oldest first
func (s *Scorer) History() []float64 { return s.Recent(s.count) }

func (s *Scorer) Len() int { return s.count }

// Reset - forget the history and the smoothing state
func (s *Scorer) Reset() {
	for i := range s.history {
		s.history[i] = 0
	}
	s.head, s.count = 0, 0
	s.ema, s.emaReady = 0, false
}

// ScorerState - history in chronological order plus the running average
type ScorerState struct {
	History  []float64
	EMA      float64
	EMAReady bool
}

func (s *Scorer) State() ScorerState {
	return ScorerState{History: s.History(), EMA: s.ema, EMAReady: s.emaReady}
}

func (s *Scorer) Restore(state ScorerState) error {
	if len(state.History) > len(s.history) {
		return fmt.Errorf("%w: anomaly history of %d exceeds history_size %d", core.ErrSnapshot, len(state.History), len(s.history))
	}
	s.Reset()
	for _, v := range state.History {
		s.history[s.head] = v
		s.head = (s.head + 1) % len(s.history)
		s.count++
	}
	s.ema, s.emaReady = state.EMA, state.EMAReady
	return nil
}
