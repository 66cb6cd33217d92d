// Package market hosts the candle data model and BingX market-data connectors.
package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrDataUnavailable marks transport faults or malformed feed payloads.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrBadSeries marks a candle sequence that violates ordering, spacing, or value sanity.
	ErrBadSeries = errors.New("bad candle series")
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Range returns the candle's high-low span as a fraction of the low.
func (c Candle) Range() float64 {
	if c.Low <= 0 {
		return 0
	}
	return (c.High - c.Low) / c.Low
}

// ValidateSeries checks that candles are strictly ascending by open time with
// uniform spacing and finite, non-negative fields. Violations are a data-quality
// fault: the series must be rejected, never patched up.
func ValidateSeries(candles []Candle, interval time.Duration) error {
	if len(candles) < 2 {
		return fmt.Errorf("%w: need at least 2 candles, got %d", ErrBadSeries, len(candles))
	}
	for i, c := range candles {
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("%w: non-finite or negative field at index %d", ErrBadSeries, i)
			}
		}
		if c.High < c.Low {
			return fmt.Errorf("%w: high below low at index %d", ErrBadSeries, i)
		}
		if i == 0 {
			continue
		}
		gap := c.OpenTime.Sub(candles[i-1].OpenTime)
		if gap <= 0 {
			return fmt.Errorf("%w: non-ascending open time at index %d", ErrBadSeries, i)
		}
		if interval > 0 && gap != interval {
			return fmt.Errorf("%w: gap of %s at index %d, want %s", ErrBadSeries, gap, i, interval)
		}
	}
	return nil
}

// ParseInterval converts exchange interval notation ("15m", "1h", "4h", "1d")
// into a duration.
func ParseInterval(s string) (time.Duration, error) {
	switch s {
	case "1m", "3m", "5m", "15m", "30m":
		return time.ParseDuration(s)
	case "1h", "2h", "4h", "6h", "12h":
		return time.ParseDuration(s)
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported interval %q", s)
}
