// internal/encoder/scalar.go
package encoder

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumix-ai/htm/internal/core"
)

// Config - scalar encoder parameters
type Config struct {
	MinVal     float64 `yaml:"min_val"`
	MaxVal     float64 `yaml:"max_val"`
	Width      int     `yaml:"width"`
	ActiveBits int     `yaml:"active_bits"`
	// Strict rejects values outside [MinVal, MaxVal] instead of clamping them.
	Strict    bool `yaml:"strict"`
	CacheSize int  `yaml:"cache_size"`
}

// DefaultConfig - 400 bits with runs of 21, over [0, 100]
func DefaultConfig() Config {
	return Config{
		MinVal:     0,
		MaxVal:     100,
		Width:      400,
		ActiveBits: 21,
		CacheSize:  256,
	}
}

func (c Config) Validate() error {
	if c.Width <= 0 {
		return core.NewConfigError("encoder", "width", "must be positive, got %d", c.Width)
	}
	if c.ActiveBits <= 0 || c.ActiveBits > c.Width {
		return core.NewConfigError("encoder", "active_bits", "must be in [1, %d], got %d", c.Width, c.ActiveBits)
	}
	if math.IsNaN(c.MinVal) || math.IsNaN(c.MaxVal) || math.IsInf(c.MinVal, 0) || math.IsInf(c.MaxVal, 0) {
		return core.NewConfigError("encoder", "min_val", "bounds must be finite")
	}
	if c.MaxVal <= c.MinVal {
		return core.NewConfigError("encoder", "max_val", "must exceed min_val (%g <= %g)", c.MaxVal, c.MinVal)
	}
	if c.CacheSize < 0 {
		return core.NewConfigError("encoder", "cache_size", "must not be negative, got %d", c.CacheSize)
	}
	return nil
}

// ScalarEncoder - maps a reading to a contiguous run of ActiveBits ones.
// Neighbouring buckets share ActiveBits-1 bits, so close values overlap heavily.
type ScalarEncoder struct {
	config     Config
	numBuckets int
	patterns   *lru.Cache[int, core.BitVector]
}

func NewScalarEncoder(config Config) (*ScalarEncoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	enc := &ScalarEncoder{
		config:     config,
		numBuckets: config.Width - config.ActiveBits + 1,
	}
	if config.CacheSize > 0 {
		cache, err := lru.New[int, core.BitVector](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create pattern cache: %w", err)
		}
		enc.patterns = cache
	}
	return enc, nil
}

func (e *ScalarEncoder) Config() Config { return e.config }

func (e *ScalarEncoder) Width() int { return e.config.Width }

func (e *ScalarEncoder) NumBuckets() int { return e.numBuckets }

// Resolution - width of the value range covered by one bucket
func (e *ScalarEncoder) Resolution() float64 {
	return (e.config.MaxVal - e.config.MinVal) / float64(e.numBuckets)
}

// Bucket - bucket index for value. Out-of-range values clamp unless the encoder is strict.
func (e *ScalarEncoder) Bucket(value float64) (int, error) {
	if math.IsNaN(value) {
		return 0, fmt.Errorf("%w: NaN", core.ErrOutOfRange)
	}
	if e.config.Strict && (value < e.config.MinVal || value > e.config.MaxVal) {
		return 0, fmt.Errorf("%w: %g not in [%g, %g]", core.ErrOutOfRange, value, e.config.MinVal, e.config.MaxVal)
	}

	frac := (value - e.config.MinVal) / (e.config.MaxVal - e.config.MinVal)
	bucket := int(math.Floor(frac * float64(e.numBuckets)))
	if bucket < 0 {
		bucket = 0
	}
	if bucket > e.numBuckets-1 {
		bucket = e.numBuckets - 1
	}
	return bucket, nil
}

// BucketValue - centre of the value range represented by bucket
func (e *ScalarEncoder) BucketValue(bucket int) float64 {
	return e.config.MinVal + (float64(bucket)+0.5)*e.Resolution()
}

// Encode - total, side-effect-free mapping from value to pattern.
// The returned vector is owned by the caller.
func (e *ScalarEncoder) Encode(value float64) (core.BitVector, error) {
	bucket, err := e.Bucket(value)
	if err != nil {
		return nil, err
	}
	return e.EncodeBucket(bucket), nil
}

// EncodeBucket - pattern for a bucket index, clamped to the valid range
func (e *ScalarEncoder) EncodeBucket(bucket int) core.BitVector {
	if bucket < 0 {
		bucket = 0
	}
	if bucket >= e.numBuckets {
		bucket = e.numBuckets - 1
	}

	if e.patterns != nil {
		if cached, ok := e.patterns.Get(bucket); ok {
			return cached.Clone()
		}
	}

	bv := core.NewBitVector(e.config.Width)
	for i := bucket; i < bucket+e.config.ActiveBits; i++ {
		bv.Set(i)
	}

	if e.patterns != nil {
		e.patterns.Add(bucket, bv.Clone())
	}
	return bv
}
