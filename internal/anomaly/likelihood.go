// internal/anomaly/likelihood.go
package anomaly

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lumix-ai/htm/internal/core"
)

const (
	// probability reported while the distribution is still being learned
	probationLikelihood = 0.5

	minMean     = 0.03
	minVariance = 0.0003
)

// LikelihoodConfig - anomaly likelihood estimation windows, in records
type LikelihoodConfig struct {
	Enabled            bool `yaml:"enabled"`
	LearningPeriod     int  `yaml:"learning_period"`
	EstimationSamples  int  `yaml:"estimation_samples"`
	HistoricWindow     int  `yaml:"historic_window"`
	ReestimationPeriod int  `yaml:"reestimation_period"`
	AveragingWindow    int  `yaml:"averaging_window"`
}

// DefaultLikelihoodConfig - one day of 5 minute records to learn, 30 days of history
func DefaultLikelihoodConfig() LikelihoodConfig {
	return LikelihoodConfig{
		Enabled:            true,
		LearningPeriod:     288,
		EstimationSamples:  100,
		HistoricWindow:     8640,
		ReestimationPeriod: 100,
		AveragingWindow:    10,
	}
}

func (c LikelihoodConfig) Validate() error {
	const component = "likelihood"
	if !c.Enabled {
		return nil
	}
	switch {
	case c.LearningPeriod < 0:
		return core.NewConfigError(component, "learning_period", "must not be negative, got %d", c.LearningPeriod)
	case c.EstimationSamples <= 0:
		return core.NewConfigError(component, "estimation_samples", "must be positive, got %d", c.EstimationSamples)
	case c.HistoricWindow < c.EstimationSamples:
		return core.NewConfigError(component, "historic_window", "must hold at least estimation_samples=%d, got %d", c.EstimationSamples, c.HistoricWindow)
	case c.ReestimationPeriod <= 0:
		return core.NewConfigError(component, "reestimation_period", "must be positive, got %d", c.ReestimationPeriod)
	case c.AveragingWindow <= 0:
		return core.NewConfigError(component, "averaging_window", "must be positive, got %d", c.AveragingWindow)
	}
	return nil
}

// Likelihood - probability that the recent raw scores are unusual given the score
// distribution observed so far. A normal distribution is fitted to moving averages of
// the historic scores and refitted every ReestimationPeriod records.
type Likelihood struct {
	config    LikelihoodConfig
	scores    []float64
	iteration int
	dist      *distuv.Normal
}

func NewLikelihood(config LikelihoodConfig) (*Likelihood, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Likelihood{config: config}, nil
}

// Compute - record raw and return the current likelihood in [0, 1]
func (l *Likelihood) Compute(raw float64) float64 {
	l.scores = append(l.scores, raw)
	if over := len(l.scores) - l.config.HistoricWindow; over > 0 {
		l.scores = append(l.scores[:0], l.scores[over:]...)
	}
	l.iteration++

	if l.iteration <= l.config.LearningPeriod+l.config.EstimationSamples {
		return probationLikelihood
	}
	if l.dist == nil || l.iteration%l.config.ReestimationPeriod == 0 {
		l.estimate()
	}

	recent := l.scores
	if n := l.config.AveragingWindow; len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	return l.dist.CDF(stat.Mean(recent, nil))
}

// estimate - fit the normal distribution, skipping records still inside the learning period
func (l *Likelihood) estimate() {
	shiftedOut := l.iteration - len(l.scores)
	skip := l.config.LearningPeriod - shiftedOut
	if skip < 0 {
		skip = 0
	}
	if skip > len(l.scores) {
		skip = len(l.scores)
	}
	samples := movingAverage(l.scores[skip:], l.config.AveragingWindow)

	mean, stdev := minMean, math.Sqrt(minVariance)
	if len(samples) > 1 {
		m, s := stat.MeanStdDev(samples, nil)
		mean = math.Max(m, minMean)
		stdev = math.Sqrt(math.Max(s*s, minVariance))
	}
	l.dist = &distuv.Normal{Mu: mean, Sigma: stdev}
}

func (l *Likelihood) Iteration() int { return l.iteration }

// Distribution - fitted mean and standard deviation, ok is false during probation
func (l *Likelihood) Distribution() (mean, stdev float64, ok bool) {
	if l.dist == nil {
		return 0, 0, false
	}
	return l.dist.Mu, l.dist.Sigma, true
}

func (l *Likelihood) Reset() {
	l.scores = nil
	l.iteration = 0
	l.dist = nil
}

// LogLikelihood - likelihood on a log scale so 0.99999 maps to about 0.5
func LogLikelihood(likelihood float64) float64 {
	return math.Log(1.0000000001-likelihood) / -23.02585084720009
}

func movingAverage(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// LikelihoodState - historic scores and the fitted distribution
type LikelihoodState struct {
	Scores    []float64
	Iteration int
	Fitted    bool
	Mean      float64
	Stdev     float64
}

func (l *Likelihood) State() LikelihoodState {
	s := LikelihoodState{Scores: append([]float64(nil), l.scores...), Iteration: l.iteration}
	if l.dist != nil {
		s.Fitted, s.Mean, s.Stdev = true, l.dist.Mu, l.dist.Sigma
	}
	return s
}

func (l *Likelihood) Restore(s LikelihoodState) error {
	if len(s.Scores) > l.config.HistoricWindow || s.Iteration < len(s.Scores) {
		return fmt.Errorf("%w: likelihood history of %d scores at iteration %d", core.ErrSnapshot, len(s.Scores), s.Iteration)
	}
	if s.Fitted && !(s.Stdev > 0) {
		return fmt.Errorf("%w: likelihood stdev %g", core.ErrSnapshot, s.Stdev)
	}
	l.scores = append([]float64(nil), s.Scores...)
	l.iteration = s.Iteration
	l.dist = nil
	if s.Fitted {
		l.dist = &distuv.Normal{Mu: s.Mean, Sigma: s.Stdev}
	}
	return nil
}
