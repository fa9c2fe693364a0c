// internal/model/htm_model.go
package model

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/htm/internal/anomaly"
	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/encoder"
	"github.com/lumix-ai/htm/internal/learning"
	"github.com/lumix-ai/htm/internal/memory"
)

// Config - every hyperparameter of one streaming model
type Config struct {
	Encoder        encoder.Config  `yaml:"encoder"`
	SpatialPooler  learning.Config `yaml:"spatial_pooler"`
	TemporalMemory memory.Config   `yaml:"temporal_memory"`
	Anomaly        anomaly.Config  `yaml:"anomaly"`

	// StrictOrdering rejects timestamps that go backwards.
	StrictOrdering bool `yaml:"strict_ordering"`
}

func DefaultConfig() Config {
	return Config{
		Encoder:        encoder.DefaultConfig(),
		SpatialPooler:  learning.DefaultConfig(),
		TemporalMemory: memory.DefaultConfig(),
		Anomaly:        anomaly.DefaultConfig(),
	}.Normalize()
}

// Normalize - copy the values the temporal memory shares with the spatial pooler
func (c Config) Normalize() Config {
	c.TemporalMemory.NumColumns = c.SpatialPooler.NumColumns
	c.TemporalMemory.Seed = c.SpatialPooler.Seed
	return c
}

func (c Config) Validate() error {
	c = c.Normalize()
	if err := c.Encoder.Validate(); err != nil {
		return err
	}
	if err := c.SpatialPooler.Validate(); err != nil {
		return err
	}
	if c.SpatialPooler.InputWidth != c.Encoder.Width {
		return core.NewConfigError("spatial_pooler", "input_width", "%d does not match encoder width %d", c.SpatialPooler.InputWidth, c.Encoder.Width)
	}
	if err := c.TemporalMemory.Validate(); err != nil {
		return err
	}
	return c.Anomaly.Validate()
}

// Result - everything one step produces
type Result struct {
	Timestamp time.Time
	Value     float64
	// Prediction is the value expected at the next step.
	Prediction    float64
	AnomalyScore  float64
	RawScore      float64
	Likelihood    float64
	LogLikelihood float64

	ActiveColumns    []int
	BurstingColumns  []int
	PredictedColumns []int
}

// Stats - size and progress of a model
type Stats struct {
	Steps    int
	Segments int
	Synapses int
}

// Model - encoder, spatial pooler, temporal memory and scorer run in lockstep.
// A Model is not safe for concurrent use; callers serialise Step, Reset and SetLearning.
type Model struct {
	config Config
	rng    *core.Random

	encoder    *encoder.ScalarEncoder
	sp         *learning.SpatialPooler
	tm         *memory.TemporalMemory
	scorer     *anomaly.Scorer
	likelihood *anomaly.Likelihood
	predictor  *Predictor

	learning      bool
	prevPredicted []int
	lastTimestamp time.Time
	hasTimestamp  bool
	steps         int
}

func New(config Config) (*Model, error) {
	config = config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// one generator for the whole model so a snapshot captures every random draw
	rng := core.NewRandom(config.SpatialPooler.Seed)

	enc, err := encoder.NewScalarEncoder(config.Encoder)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	sp, err := learning.NewSpatialPooler(config.SpatialPooler, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create spatial pooler: %w", err)
	}
	tm, err := memory.NewTemporalMemory(config.TemporalMemory, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal memory: %w", err)
	}
	scorer, err := anomaly.NewScorer(config.Anomaly)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly scorer: %w", err)
	}

	m := &Model{
		config:    config,
		rng:       rng,
		encoder:   enc,
		sp:        sp,
		tm:        tm,
		scorer:    scorer,
		predictor: NewPredictor(enc),
		learning:  true,
	}
	if config.Anomaly.Likelihood.Enabled {
		if m.likelihood, err = anomaly.NewLikelihood(config.Anomaly.Likelihood); err != nil {
			return nil, fmt.Errorf("failed to create anomaly likelihood: %w", err)
		}
	}

	log.Info().
		Int("input_width", config.Encoder.Width).
		Int("columns", config.SpatialPooler.NumColumns).
		Int("cells_per_column", config.TemporalMemory.CellsPerColumn).
		Int64("seed", config.SpatialPooler.Seed).
		Msg("HTM model created")

	return m, nil
}

func (m *Model) Config() Config { return m.config }

func (m *Model) Encoder() *encoder.ScalarEncoder { return m.encoder }

func (m *Model) SpatialPooler() *learning.SpatialPooler { return m.sp }

func (m *Model) TemporalMemory() *memory.TemporalMemory { return m.tm }

func (m *Model) Learning() bool { return m.learning }

// SetLearning - toggle learning for the steps run through Process
func (m *Model) SetLearning(enabled bool) {
	if m.learning != enabled {
		log.Info().Bool("learning", enabled).Msg("model learning toggled")
	}
	m.learning = enabled
}

// AnomalyHistory - raw scores since the last Reset, oldest first
func (m *Model) AnomalyHistory() []float64 { return m.scorer.History() }

func (m *Model) Stats() Stats {
	tmStats := m.tm.Stats()
	return Stats{Steps: m.steps, Segments: tmStats.Segments, Synapses: tmStats.Synapses}
}

// Process - Step with the model's own learning flag
func (m *Model) Process(timestamp time.Time, value float64) (Result, error) {
	return m.Step(timestamp, value, m.learning)
}

// Step - encode, pool, remember and score one record. Input problems are reported
// before anything is touched, so a failed step leaves the model as it was.
func (m *Model) Step(timestamp time.Time, value float64, learn bool) (Result, error) {
	// 1. validate the record
	if m.config.StrictOrdering && m.hasTimestamp && timestamp.Before(m.lastTimestamp) {
		return Result{}, fmt.Errorf("%w: %s is before %s", core.ErrOutOfOrder,
			timestamp.Format(time.RFC3339), m.lastTimestamp.Format(time.RFC3339))
	}
	bucket, err := m.encoder.Bucket(value)
	if err != nil {
		return Result{}, err
	}
	input := m.encoder.EncodeBucket(bucket)

	// 2. spatial pooling
	active, err := m.sp.Compute(input, learn)
	if err != nil {
		return Result{}, fmt.Errorf("spatial pooler: %w", err)
	}

	// 3. temporal memory
	prevCells := m.tm.ActiveCells()
	tmResult, err := m.tm.Compute(active, learn)
	if err != nil {
		return Result{}, fmt.Errorf("temporal memory: %w", err)
	}

	// 4. anomaly against what the previous step predicted
	raw, smoothed := m.scorer.Compute(active, m.prevPredicted)
	result := Result{
		Timestamp:       timestamp,
		Value:           value,
		AnomalyScore:    smoothed,
		RawScore:        raw,
		ActiveColumns:   active,
		BurstingColumns: tmResult.BurstingColumns,
	}
	if m.likelihood != nil {
		result.Likelihood = m.likelihood.Compute(raw)
		result.LogLikelihood = anomaly.LogLikelihood(result.Likelihood)
	}

	// 5. value prediction for the next step
	if learn {
		m.predictor.Learn(prevCells, bucket, value)
	}
	result.Prediction = m.predictor.Predict(tmResult.ActiveCells, value)

	m.prevPredicted = m.tm.PredictedColumns()
	result.PredictedColumns = m.prevPredicted
	m.lastTimestamp, m.hasTimestamp = timestamp, true
	m.steps++

	return result, nil
}

// Reset - start a new sequence: temporal memory context, anomaly history and cached
// predictions are cleared. Spatial pooler permanences and boosts are kept.
func (m *Model) Reset() {
	m.tm.Reset()
	m.scorer.Reset()
	if m.likelihood != nil {
		m.likelihood.Reset()
	}
	m.prevPredicted = nil
	m.hasTimestamp = false
	m.lastTimestamp = time.Time{}

	log.Debug().Int("steps", m.steps).Msg("model sequence reset")
}
