// internal/stream/runner.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/monitoring"
)

// InputErrorPolicy - what a Runner does with a record the model cannot take
type InputErrorPolicy string

const (
	AbortOnInputError InputErrorPolicy = "abort"
	SkipInputErrors   InputErrorPolicy = "skip"
)

// Stepper - the part of a model a Runner drives
type Stepper interface {
	Process(timestamp time.Time, value float64) (model.Result, error)
	Stats() model.Stats
}

// RunnerConfig - behaviour of one stream run
type RunnerConfig struct {
	Name             string           `yaml:"name"`
	ProgressInterval int              `yaml:"progress_interval"`
	AnomalyThreshold float64          `yaml:"anomaly_threshold"`
	OnInputError     InputErrorPolicy `yaml:"on_input_error"`

	// Progress receives a progress bar when set.
	Progress io.Writer `yaml:"-"`
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Name:             "default",
		ProgressInterval: 100,
		AnomalyThreshold: 0.9,
		OnInputError:     AbortOnInputError,
	}
}

func (c RunnerConfig) Validate() error {
	if c.Name == "" {
		return core.NewConfigError("runner", "name", "must not be empty")
	}
	if c.AnomalyThreshold < 0 || c.AnomalyThreshold > 1 {
		return core.NewConfigError("runner", "anomaly_threshold", "must be in [0, 1], got %v", c.AnomalyThreshold)
	}
	switch c.OnInputError {
	case AbortOnInputError, SkipInputErrors:
	default:
		return core.NewConfigError("runner", "on_input_error", "unknown policy %q", c.OnInputError)
	}
	return nil
}

// Summary - what a finished run saw
type Summary struct {
	Name       string
	Records    int
	Anomalies  int
	Skipped    int
	MaxScore   float64
	MaxScoreAt time.Time
	MeanScore  float64
	Duration   time.Duration
	Segments   int
	Synapses   int
}

// Runner - pulls records from a Source through a model into a Sink
type Runner struct {
	config  RunnerConfig
	model   Stepper
	metrics *monitoring.Metrics
}

// NewRunner - metrics may be nil. When set, the stream's anomalies_total counts with
// the runner's own threshold.
func NewRunner(config RunnerConfig, m Stepper, metrics *monitoring.Metrics) (*Runner, error) {
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 100
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.SetThreshold(config.Name, config.AnomalyThreshold)
	}
	return &Runner{config: config, model: m, metrics: metrics}, nil
}

// Run - process src until it is exhausted or ctx is cancelled. Cancellation is only
// observed between records, so the model never stops half way through a step.
func (r *Runner) Run(ctx context.Context, src Source, sink Sink) (Summary, error) {
	summary := Summary{Name: r.config.Name}
	start := time.Now()
	var scoreSum float64

	var bar *progressbar.ProgressBar
	if r.config.Progress != nil {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetWriter(r.config.Progress),
			progressbar.OptionSetDescription(r.config.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	finish := func(err error) (Summary, error) {
		summary.Duration = time.Since(start)
		if summary.Records > 0 {
			summary.MeanScore = scoreSum / float64(summary.Records)
		}
		stats := r.model.Stats()
		summary.Segments, summary.Synapses = stats.Segments, stats.Synapses
		if r.metrics != nil {
			r.metrics.ObserveStats(r.config.Name, stats)
		}
		if bar != nil {
			_ = bar.Finish()
		}
		return summary, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.skippable(err) {
				r.skip(&summary, "malformed", err)
				continue
			}
			return finish(fmt.Errorf("failed to read record %d: %w", summary.Records+summary.Skipped+1, err))
		}

		stepStart := time.Now()
		res, err := r.model.Process(rec.Timestamp, rec.Value)
		if err != nil {
			if r.skippable(err) {
				r.skip(&summary, skipReason(err), err)
				continue
			}
			return finish(fmt.Errorf("failed to process record at %s: %w", rec.Timestamp.Format(OutputTimeLayout), err))
		}
		latency := time.Since(stepStart)

		// 1. Bookkeeping
		summary.Records++
		scoreSum += res.AnomalyScore
		if summary.Records == 1 || res.AnomalyScore > summary.MaxScore {
			summary.MaxScore, summary.MaxScoreAt = res.AnomalyScore, res.Timestamp
		}
		if res.AnomalyScore >= r.config.AnomalyThreshold {
			summary.Anomalies++
			log.Debug().
				Str("stream", r.config.Name).
				Time("timestamp", res.Timestamp).
				Float64("value", res.Value).
				Float64("score", res.AnomalyScore).
				Msg("anomaly")
		}

		// 2. Metrics
		if r.metrics != nil {
			r.metrics.ObserveStep(r.config.Name, res, latency)
		}

		// 3. Output
		if sink != nil {
			if err := sink.Accept(OutputFromResult(r.config.Name, res)); err != nil {
				return finish(fmt.Errorf("failed to write output: %w", err))
			}
		}

		if bar != nil {
			_ = bar.Add(1)
		}
		if summary.Records%r.config.ProgressInterval == 0 {
			stats := r.model.Stats()
			if r.metrics != nil {
				r.metrics.ObserveStats(r.config.Name, stats)
			}
			log.Info().
				Str("stream", r.config.Name).
				Int("records", summary.Records).
				Int("segments", stats.Segments).
				Int("synapses", stats.Synapses).
				Msg("progress")
		}
	}

	summary, err := finish(nil)
	log.Info().
		Str("stream", r.config.Name).
		Int("records", summary.Records).
		Int("anomalies", summary.Anomalies).
		Int("skipped", summary.Skipped).
		Dur("duration", summary.Duration).
		Msg("stream finished")
	return summary, err
}

func (r *Runner) skippable(err error) bool {
	if r.config.OnInputError != SkipInputErrors {
		return false
	}
	return errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, core.ErrOutOfRange) ||
		errors.Is(err, core.ErrOutOfOrder)
}

func (r *Runner) skip(summary *Summary, reason string, err error) {
	summary.Skipped++
	if r.metrics != nil {
		r.metrics.ObserveSkipped(r.config.Name, reason)
	}
	log.Warn().Str("stream", r.config.Name).Err(err).Msg("record skipped")
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, core.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, core.ErrOutOfOrder):
		return "out_of_order"
	default:
		return "malformed"
	}
}
