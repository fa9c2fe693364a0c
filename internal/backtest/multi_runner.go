// internal/backtest/multi_runner.go
package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/monitoring"
	"github.com/lumix-ai/htm/internal/stream"
)

// Job - one input file scored by its own model
type Job struct {
	Name  string       `yaml:"name"`
	Input string       `yaml:"input"`
	Model model.Config `yaml:"model"`

	// Threshold overrides the run-wide anomaly threshold when positive.
	Threshold float64 `yaml:"threshold"`
}

// Config - shared settings of a backtest
type Config struct {
	MaxConcurrent    int                     `yaml:"max_concurrent"`
	OutputDir        string                  `yaml:"output_dir"`
	CheckpointDir    string                  `yaml:"checkpoint_dir"`
	ShiftPredictions bool                    `yaml:"shift_predictions"`
	AnomalyThreshold float64                 `yaml:"anomaly_threshold"`
	OnInputError     stream.InputErrorPolicy `yaml:"on_input_error"`
	CSV              stream.CSVSourceConfig  `yaml:"csv"`
	JSONLines        stream.JSONLinesConfig  `yaml:"jsonl"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		AnomalyThreshold: 0.9,
		OnInputError:     stream.AbortOnInputError,
		CSV:              stream.DefaultCSVSourceConfig(),
		JSONLines:        stream.DefaultJSONLinesConfig(),
	}
}

// JobResult - outcome of one job; Err is set when the job failed
type JobResult struct {
	Job     Job
	Summary stream.Summary
	Output  string
	Err     error
}

// MultiRunner - runs independent backtest jobs in parallel
type MultiRunner struct {
	config    Config
	metrics   *monitoring.Metrics
	shared    stream.Sink
	semaphore *semaphore.Weighted
}

// NewMultiRunner - shared receives every job's output in addition to the per-job CSV
// and is not closed by the runner. metrics and shared may be nil.
func NewMultiRunner(config Config, metrics *monitoring.Metrics, shared stream.Sink) *MultiRunner {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &MultiRunner{
		config:    config,
		metrics:   metrics,
		shared:    shared,
		semaphore: semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Run - execute every job. A failing job does not stop the others; the returned error
// is only set when ctx ends the run early. Results keep the order of jobs.
func (mr *MultiRunner) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	if err := validateJobs(jobs); err != nil {
		return nil, err
	}

	startTime := time.Now()
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)

	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := mr.semaphore.Acquire(gctx, 1); err != nil {
				results[i] = JobResult{Job: jobs[i], Err: err}
				return err
			}
			defer mr.semaphore.Release(1)

			results[i] = mr.runJob(gctx, jobs[i])
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if results[i].Err != nil {
				log.Error().Str("job", jobs[i].Name).Err(results[i].Err).Msg("backtest job failed")
			}
			return nil
		})
	}

	err := g.Wait()
	log.Info().
		Int("jobs", len(jobs)).
		Int("failed", countFailed(results)).
		Dur("duration", time.Since(startTime)).
		Msg("backtest completed")
	return results, err
}

func (mr *MultiRunner) runJob(ctx context.Context, job Job) JobResult {
	result := JobResult{Job: job}

	// 1. Model
	m, err := model.New(job.Model)
	if err != nil {
		result.Err = fmt.Errorf("job %s: %w", job.Name, err)
		return result
	}

	// 2. Source
	src, closeSrc, err := mr.openSource(job.Input)
	if err != nil {
		result.Err = fmt.Errorf("job %s: %w", job.Name, err)
		return result
	}
	defer closeSrc()

	// 3. Sinks
	var sinks stream.MultiSink
	if mr.config.OutputDir != "" {
		if err := os.MkdirAll(mr.config.OutputDir, 0o755); err != nil {
			result.Err = fmt.Errorf("job %s: failed to create output dir: %w", job.Name, err)
			return result
		}
		result.Output = filepath.Join(mr.config.OutputDir, job.Name+".csv")
		csvSink, err := stream.CreateCSVSink(result.Output)
		if err != nil {
			result.Err = fmt.Errorf("job %s: %w", job.Name, err)
			return result
		}
		if mr.config.ShiftPredictions {
			sinks = append(sinks, stream.NewShiftedSink(csvSink))
		} else {
			sinks = append(sinks, csvSink)
		}
	}
	if mr.shared != nil {
		sinks = append(sinks, keepOpen{mr.shared})
	}

	// 4. Run
	runCfg := stream.DefaultRunnerConfig()
	runCfg.Name = job.Name
	runCfg.AnomalyThreshold = mr.config.AnomalyThreshold
	if job.Threshold > 0 {
		runCfg.AnomalyThreshold = job.Threshold
	}
	runCfg.OnInputError = mr.config.OnInputError
	runner, err := stream.NewRunner(runCfg, m, mr.metrics)
	if err != nil {
		sinks.Close()
		result.Err = fmt.Errorf("job %s: %w", job.Name, err)
		return result
	}
	if mr.metrics != nil {
		mr.metrics.SetLearning(job.Name, m.Learning())
	}

	result.Summary, err = runner.Run(ctx, src, sinks)
	if cerr := sinks.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close outputs: %w", cerr)
	}
	if err != nil {
		result.Err = fmt.Errorf("job %s: %w", job.Name, err)
		return result
	}

	// 5. Checkpoint
	if mr.config.CheckpointDir != "" {
		path := filepath.Join(mr.config.CheckpointDir, job.Name+".ckpt")
		if err := m.SaveCheckpoint(path); err != nil {
			result.Err = fmt.Errorf("job %s: %w", job.Name, err)
		}
	}
	return result
}

func (mr *MultiRunner) openSource(path string) (stream.Source, func(), error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		src, err := stream.OpenJSONLines(path, mr.config.JSONLines)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	default:
		src, err := stream.OpenCSV(path, mr.config.CSV)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
}

func validateJobs(jobs []Job) error {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.Name == "" {
			return core.NewConfigError("backtest", "name", "every job needs a name")
		}
		if seen[job.Name] {
			return core.NewConfigError("backtest", "name", "duplicate job %q", job.Name)
		}
		seen[job.Name] = true
		if job.Input == "" {
			return core.NewConfigError("backtest", "input", "job %q has no input", job.Name)
		}
	}
	return nil
}

func countFailed(results []JobResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Ranked - results of successful jobs ordered by peak anomaly score, highest first
func Ranked(results []JobResult) []JobResult {
	var ok []JobResult
	for _, r := range results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	sort.SliceStable(ok, func(i, j int) bool {
		return ok[i].Summary.MaxScore > ok[j].Summary.MaxScore
	})
	return ok
}

// keepOpen - lets several jobs write to one sink that outlives them
type keepOpen struct {
	stream.Sink
}

func (keepOpen) Close() error { return nil }

// lockedSink serialises Accept for sinks that are not safe for concurrent use
type lockedSink struct {
	mu sync.Mutex
	stream.Sink
}

// Synchronized - wrap a sink shared by parallel jobs
func Synchronized(s stream.Sink) stream.Sink {
	return &lockedSink{Sink: s}
}

func (l *lockedSink) Accept(out stream.Output) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Sink.Accept(out)
}

func (l *lockedSink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Sink.Close()
}
