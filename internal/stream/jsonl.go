// internal/stream/jsonl.go
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// JSONLinesConfig - gjson paths of the fields inside each line
type JSONLinesConfig struct {
	TimestampPath string   `yaml:"timestamp_path"`
	ValuePath     string   `yaml:"value_path"`
	TimeLayouts   []string `yaml:"time_layouts"`
}

func DefaultJSONLinesConfig() JSONLinesConfig {
	return JSONLinesConfig{
		TimestampPath: "timestamp",
		ValuePath:     "value",
		TimeLayouts:   DefaultTimeLayouts,
	}
}

// JSONLinesSource - one JSON document per line. Numeric timestamps are unix seconds.
type JSONLinesSource struct {
	config  JSONLinesConfig
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

func NewJSONLinesSource(r io.Reader, config JSONLinesConfig) *JSONLinesSource {
	if len(config.TimeLayouts) == 0 {
		config.TimeLayouts = DefaultTimeLayouts
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &JSONLinesSource{config: config, scanner: scanner}
}

func OpenJSONLines(path string, config JSONLinesConfig) (*JSONLinesSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	src := NewJSONLinesSource(f, config)
	src.closer = f
	return src, nil
}

func (s *JSONLinesSource) Next(ctx context.Context) (Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Record{}, fmt.Errorf("failed to read input: %w", err)
			}
			return Record{}, io.EOF
		}
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		return ParseJSONRecord(line, s.config, s.line)
	}
}

// ParseJSONRecord - Record from one JSON document
func ParseJSONRecord(doc string, config JSONLinesConfig, line int) (Record, error) {
	if !gjson.Valid(doc) {
		return Record{}, fmt.Errorf("%w: line %d is not valid JSON", ErrMalformedRecord, line)
	}
	fields := gjson.GetMany(doc, config.TimestampPath, config.ValuePath)
	tsField, valueField := fields[0], fields[1]

	if valueField.Type != gjson.Number {
		return Record{}, fmt.Errorf("%w: line %d: %q is not a number", ErrMalformedRecord, line, config.ValuePath)
	}

	var ts time.Time
	switch tsField.Type {
	case gjson.Number:
		ts = time.Unix(tsField.Int(), 0).UTC()
	case gjson.String:
		parsed, err := ParseTimestamp(tsField.String(), config.TimeLayouts)
		if err != nil {
			return Record{}, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
		}
		ts = parsed
	default:
		return Record{}, fmt.Errorf("%w: line %d: missing %q", ErrMalformedRecord, line, config.TimestampPath)
	}
	return Record{Timestamp: ts, Value: valueField.Float()}, nil
}

func (s *JSONLinesSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
