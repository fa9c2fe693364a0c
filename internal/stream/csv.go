// internal/stream/csv.go
package stream

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// OutputTimeLayout - timestamp format written by the file sinks
const OutputTimeLayout = "2006-01-02 15:04:05"

// DefaultTimeLayouts - tried in order when parsing timestamps
var DefaultTimeLayouts = []string{"1/2/2006 15:04", "2006-01-02 15:04:05", time.RFC3339}

// CSVSourceConfig - where the columns are and how to read them
type CSVSourceConfig struct {
	// HeaderRows are skipped before the first record (name, type and flag rows).
	HeaderRows      int      `yaml:"header_rows"`
	TimestampColumn int      `yaml:"timestamp_column"`
	ValueColumn     int      `yaml:"value_column"`
	TimeLayouts     []string `yaml:"time_layouts"`
}

func DefaultCSVSourceConfig() CSVSourceConfig {
	return CSVSourceConfig{
		HeaderRows:      3,
		TimestampColumn: 0,
		ValueColumn:     1,
		TimeLayouts:     DefaultTimeLayouts,
	}
}

// CSVSource - records from a CSV stream
type CSVSource struct {
	config  CSVSourceConfig
	reader  *csv.Reader
	closer  io.Closer
	line    int
	skipped bool
}

func NewCSVSource(r io.Reader, config CSVSourceConfig) *CSVSource {
	if len(config.TimeLayouts) == 0 {
		config.TimeLayouts = DefaultTimeLayouts
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return &CSVSource{config: config, reader: reader}
}

// OpenCSV - CSVSource reading path; Close releases the file
func OpenCSV(path string, config CSVSourceConfig) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	src := NewCSVSource(f, config)
	src.closer = f
	return src, nil
}

func (s *CSVSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	if !s.skipped {
		s.skipped = true
		for i := 0; i < s.config.HeaderRows; i++ {
			if _, err := s.read(); err != nil {
				return Record{}, err
			}
		}
	}

	row, err := s.read()
	if err != nil {
		return Record{}, err
	}
	if len(row) <= s.config.TimestampColumn || len(row) <= s.config.ValueColumn {
		return Record{}, fmt.Errorf("%w: line %d has %d fields", ErrMalformedRecord, s.line, len(row))
	}

	ts, err := ParseTimestamp(row[s.config.TimestampColumn], s.config.TimeLayouts)
	if err != nil {
		return Record{}, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, s.line, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(row[s.config.ValueColumn]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, s.line, err)
	}
	return Record{Timestamp: ts, Value: value}, nil
}

func (s *CSVSource) read() ([]string, error) {
	row, err := s.reader.Read()
	s.line++
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return row, err
}

func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ParseTimestamp - first layout that parses wins
func ParseTimestamp(raw string, layouts []string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q matches none of %v", raw, layouts)
}

// CSVSink - one row per output with a header line
type CSVSink struct {
	writer *csv.Writer
	closer io.Closer
	header bool
}

var csvHeader = []string{"timestamp", "value", "prediction", "anomaly_score", "raw_score", "anomaly_likelihood"}

func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{writer: csv.NewWriter(w)}
}

// CreateCSVSink - CSVSink writing a new file at path
func CreateCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	sink := NewCSVSink(f)
	sink.closer = f
	return sink, nil
}

func (s *CSVSink) Accept(out Output) error {
	if !s.header {
		s.header = true
		if err := s.writer.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
	}
	row := []string{
		out.Timestamp.Format(OutputTimeLayout),
		formatFloat(out.Value),
		formatFloat(out.Prediction),
		formatFloat(out.AnomalyScore),
		formatFloat(out.RawScore),
		formatFloat(out.Likelihood),
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write csv row: %w", err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.writer.Flush()
	err := s.writer.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
