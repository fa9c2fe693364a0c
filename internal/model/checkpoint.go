// internal/model/checkpoint.go
package model

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumix-ai/htm/internal/anomaly"
	"github.com/lumix-ai/htm/internal/core"
	"github.com/lumix-ai/htm/internal/learning"
	"github.com/lumix-ai/htm/internal/memory"
)

const checkpointVersion = 1

// checkpoint - opaque snapshot of a model, msgpack encoded and zstd compressed
type checkpoint struct {
	Version   int
	CreatedAt time.Time
	Config    Config

	Random         []byte
	SpatialPooler  learning.State
	TemporalMemory memory.State
	Scorer         anomaly.ScorerState
	Likelihood     anomaly.LikelihoodState
	Predictor      PredictorState

	Learning      bool
	PrevPredicted []int
	LastTimestamp time.Time
	HasTimestamp  bool
	Steps         int
}

func (m *Model) snapshot() (*checkpoint, error) {
	rng, err := m.rng.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to capture random state: %w", err)
	}
	cp := &checkpoint{
		Version:        checkpointVersion,
		CreatedAt:      time.Now().UTC(),
		Config:         m.config,
		Random:         rng,
		SpatialPooler:  m.sp.State(),
		TemporalMemory: m.tm.State(),
		Scorer:         m.scorer.State(),
		Predictor:      m.predictor.State(),
		Learning:       m.learning,
		PrevPredicted:  append([]int(nil), m.prevPredicted...),
		LastTimestamp:  m.lastTimestamp,
		HasTimestamp:   m.hasTimestamp,
		Steps:          m.steps,
	}
	if m.likelihood != nil {
		cp.Likelihood = m.likelihood.State()
	}
	return cp, nil
}

// restore - apply a snapshot taken from a model with an identical configuration
func (m *Model) restore(cp *checkpoint) error {
	if cp.Version != checkpointVersion {
		return fmt.Errorf("%w: unsupported checkpoint version %d", core.ErrSnapshot, cp.Version)
	}
	if cp.Config.Normalize() != m.config {
		return fmt.Errorf("%w: checkpoint configuration does not match the model", core.ErrSnapshot)
	}
	for _, col := range cp.PrevPredicted {
		if col < 0 || col >= m.config.SpatialPooler.NumColumns {
			return fmt.Errorf("%w: predicted column %d out of range", core.ErrSnapshot, col)
		}
	}

	// restore into fresh components so a bad snapshot never leaves a half-applied model
	fresh, err := New(m.config)
	if err != nil {
		return err
	}
	if err := fresh.rng.UnmarshalBinary(cp.Random); err != nil {
		return err
	}
	if err := fresh.sp.Restore(cp.SpatialPooler); err != nil {
		return err
	}
	if err := fresh.tm.Restore(cp.TemporalMemory); err != nil {
		return err
	}
	if err := fresh.scorer.Restore(cp.Scorer); err != nil {
		return err
	}
	if fresh.likelihood != nil {
		if err := fresh.likelihood.Restore(cp.Likelihood); err != nil {
			return err
		}
	}
	if err := fresh.predictor.Restore(cp.Predictor); err != nil {
		return err
	}
	fresh.learning = cp.Learning
	fresh.prevPredicted = append([]int(nil), cp.PrevPredicted...)
	fresh.lastTimestamp = cp.LastTimestamp
	fresh.hasTimestamp = cp.HasTimestamp
	fresh.steps = cp.Steps

	*m = *fresh
	return nil
}

// MarshalBinary - the compressed snapshot
func (m *Model) MarshalBinary() ([]byte, error) {
	cp, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(zw)
	if err := enc.Encode(cp); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary - restore from MarshalBinary output; the configuration must match
func (m *Model) UnmarshalBinary(data []byte) error {
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return err
	}
	return m.restore(cp)
}

func decodeCheckpoint(data []byte) (*checkpoint, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSnapshot, err)
	}
	defer zr.Close()

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(zr)

	var cp checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSnapshot, err)
	}
	return &cp, nil
}

// SaveCheckpoint - write the snapshot to path atomically
func (m *Model) SaveCheckpoint(path string) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}

	log.Info().
		Str("path", path).
		Int("bytes", len(data)).
		Int("steps", m.steps).
		Msg("checkpoint saved")
	return nil
}

// RestoreCheckpoint - load path into a model built with the same configuration
func (m *Model) RestoreCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("steps", m.steps).Msg("checkpoint restored")
	return nil
}

// LoadCheckpoint - build a model from the configuration stored in the checkpoint
func LoadCheckpoint(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	m, err := New(cp.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: stored configuration: %v", core.ErrSnapshot, err)
	}
	if err := m.restore(cp); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("steps", m.steps).Msg("checkpoint loaded")
	return m, nil
}
