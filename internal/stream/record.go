// internal/stream/record.go
package stream

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/lumix-ai/htm/internal/model"
)

// ErrMalformedRecord - a source row that cannot be turned into a Record
var ErrMalformedRecord = errors.New("malformed record")

// Record - one reading from a data source
type Record struct {
	Timestamp time.Time
	Value     float64
}

// Output - one row handed to sinks. Prediction is NaN when no prediction exists.
type Output struct {
	Stream       string
	Timestamp    time.Time
	Value        float64
	Prediction   float64
	AnomalyScore float64
	RawScore     float64
	Likelihood   float64
}

// OutputFromResult - sink row for a model step
func OutputFromResult(stream string, res model.Result) Output {
	return Output{
		Stream:       stream,
		Timestamp:    res.Timestamp,
		Value:        res.Value,
		Prediction:   res.Prediction,
		AnomalyScore: res.AnomalyScore,
		RawScore:     res.RawScore,
		Likelihood:   res.Likelihood,
	}
}

// Source - ordered readings; Next returns io.EOF after the last one
type Source interface {
	Next(ctx context.Context) (Record, error)
}

// Sink - consumer of model output
type Sink interface {
	Accept(out Output) error
	Close() error
}

// MultiSink - fan every output out to several sinks
type MultiSink []Sink

func (m MultiSink) Accept(out Output) error {
	var errs []error
	for _, s := range m {
		if err := s.Accept(out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShiftedSink - pairs each value with the prediction that was made for it one step
// earlier, the way a chart of predicted vs actual wants it. The first row has no
// prediction.
type ShiftedSink struct {
	next        Sink
	pending     float64
	havePending bool
}

func NewShiftedSink(next Sink) *ShiftedSink {
	return &ShiftedSink{next: next}
}

func (s *ShiftedSink) Accept(out Output) error {
	prediction := math.NaN()
	if s.havePending {
		prediction = s.pending
	}
	s.pending, s.havePending = out.Prediction, true

	out.Prediction = prediction
	return s.next.Accept(out)
}

func (s *ShiftedSink) Close() error { return s.next.Close() }

// nullable - nil for NaN so encoders write null instead of failing
func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
