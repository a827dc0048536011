package apmz

import (
	"encoding/json"
	"math"
	"math/bits"
	"time"
)

// Stats is a mergeable summary of durations recorded against one metric.
// Durations accumulate as integer nanoseconds so merging is exact in any
// order; Values and MarshalJSON convert to seconds. Stats is not safe for
// concurrent use; the owning MetricTable serializes access.
type Stats struct {
	CallCount      int64
	Total          time.Duration
	TotalExclusive time.Duration
	Min            time.Duration
	Max            time.Duration

	// Sum of squared totals in ns², as a 128-bit hi/lo pair.
	squares [2]uint64
}

// Record adds one sample. Negative durations are clamped to zero.
func (s *Stats) Record(total, exclusive time.Duration) {
	total = max(total, 0)
	exclusive = max(exclusive, 0)

	if s.CallCount == 0 || total < s.Min {
		s.Min = total
	}
	if s.CallCount == 0 || total > s.Max {
		s.Max = total
	}
	s.CallCount++
	s.Total += total
	s.TotalExclusive += exclusive
	hi, lo := bits.Mul64(uint64(total), uint64(total))
	s.addSquares(hi, lo)
}

// RecordMillis adds one sample expressed in milliseconds, rounded to the
// nearest nanosecond.
func (s *Stats) RecordMillis(total, exclusive float64) {
	s.Record(millis(total), millis(exclusive))
}

func (s *Stats) addSquares(hi, lo uint64) {
	var carry uint64
	s.squares[1], carry = bits.Add64(s.squares[1], lo, 0)
	s.squares[0] += hi + carry
}

// Merge folds other into s. The operation is commutative and associative,
// which is what lets undelivered harvests be merged back safely.
func (s *Stats) Merge(other *Stats) {
	if other == nil || other.CallCount == 0 {
		return
	}
	if s.CallCount == 0 {
		*s = *other
		return
	}
	if other.Min < s.Min {
		s.Min = other.Min
	}
	if other.Max > s.Max {
		s.Max = other.Max
	}
	s.CallCount += other.CallCount
	s.Total += other.Total
	s.TotalExclusive += other.TotalExclusive
	s.addSquares(other.squares[0], other.squares[1])
}

// IsZero reports whether nothing has been recorded.
func (s *Stats) IsZero() bool {
	return s.CallCount == 0
}

// SumOfSquares returns the sum of squared totals in seconds².
func (s Stats) SumOfSquares() float64 {
	const ns2PerSecond2 = 1e18
	hi, lo := s.squares[0], s.squares[1]
	if hi == 0 {
		return float64(lo) / ns2PerSecond2
	}
	return (float64(hi)*math.Exp2(64) + float64(lo)) / ns2PerSecond2
}

// Values returns the wire tuple in seconds:
// count, total, exclusive total, min, max, sum of squares.
func (s Stats) Values() [6]float64 {
	return [6]float64{
		float64(s.CallCount),
		seconds(s.Total),
		seconds(s.TotalExclusive),
		seconds(s.Min),
		seconds(s.Max),
		s.SumOfSquares(),
	}
}

// MarshalJSON encodes Stats as the six element wire array.
func (s Stats) MarshalJSON() ([]byte, error) {
	v := s.Values()
	return json.Marshal([]any{
		s.CallCount,
		v[1],
		v[2],
		v[3],
		v[4],
		v[5],
	})
}

func seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func millis(ms float64) time.Duration {
	if math.IsNaN(ms) || ms <= 0 {
		return 0
	}
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
