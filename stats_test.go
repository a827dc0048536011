package apmz

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestStatsRecordMillisWireFormat(t *testing.T) {
	var s Stats
	s.RecordMillis(1200, 1000)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(data), "[1,1.2,1,1.2,1.2,1.44]"; got != want {
		t.Errorf("wire = %s, want %s", got, want)
	}
}

func TestStatsRecordOneSecond(t *testing.T) {
	var s Stats
	s.Record(time.Second, time.Second)

	want := [6]float64{1, 1, 1, 1, 1, 1}
	if got := s.Values(); got != want {
		t.Errorf("Values = %v, want %v", got, want)
	}
}

func TestStatsZeroSerialization(t *testing.T) {
	var s Stats
	if !s.IsZero() {
		t.Error("new Stats should be zero")
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(data), "[0,0,0,0,0,0]"; got != want {
		t.Errorf("wire = %s, want %s", got, want)
	}
}

func TestStatsMinMax(t *testing.T) {
	var s Stats
	s.RecordMillis(500, 500)
	s.RecordMillis(250, 100)
	s.RecordMillis(2000, 0)

	if s.CallCount != 3 {
		t.Errorf("CallCount = %d, want 3", s.CallCount)
	}
	if s.Min != 250*time.Millisecond {
		t.Errorf("Min = %v, want 250ms", s.Min)
	}
	if s.Max != 2*time.Second {
		t.Errorf("Max = %v, want 2s", s.Max)
	}
	if s.Total != 2750*time.Millisecond {
		t.Errorf("Total = %v, want 2.75s", s.Total)
	}
	if s.TotalExclusive != 600*time.Millisecond {
		t.Errorf("TotalExclusive = %v, want 600ms", s.TotalExclusive)
	}
	if s.SumOfSquares() != 4.3125 {
		t.Errorf("SumOfSquares = %v, want 4.3125", s.SumOfSquares())
	}
}

func TestStatsRecordMillisRounds(t *testing.T) {
	var s Stats
	s.RecordMillis(0.0000004, -5)
	s.RecordMillis(1.0000006, 0)

	if s.Min != 0 || s.Max != 1000001*time.Nanosecond {
		t.Errorf("min/max = %v/%v, want 0/1.000001ms", s.Min, s.Max)
	}
	if s.TotalExclusive != 0 {
		t.Errorf("negative exclusive recorded as %v", s.TotalExclusive)
	}
}

func TestStatsSumOfSquaresBeyond64Bits(t *testing.T) {
	var s Stats
	for i := 0; i < 4; i++ {
		s.Record(2*time.Hour, 0)
	}
	// (7200s)² * 4 overflows uint64 in ns².
	if got, want := s.SumOfSquares(), 4*7200.0*7200.0; math.Abs(got-want) > 1e-6 {
		t.Errorf("SumOfSquares = %v, want %v", got, want)
	}

	var pair Stats
	pair.Record(2*time.Hour, 0)
	pair.Record(2*time.Hour, 0)
	if got := merged(pair, pair); got != s {
		t.Errorf("merged pairs = %v, want %v", got.Values(), s.Values())
	}
}

func sampleStats(samples ...[2]float64) Stats {
	var s Stats
	for _, v := range samples {
		s.RecordMillis(v[0], v[1])
	}
	return s
}

func merged(a, b Stats) Stats {
	a.Merge(&b)
	return a
}

func TestStatsMergeCommutativeAndAssociative(t *testing.T) {
	a := sampleStats([2]float64{500, 250}, [2]float64{250, 125})
	b := sampleStats([2]float64{1000, 500})
	c := sampleStats([2]float64{1500, 750}, [2]float64{250, 125}, [2]float64{4000, 0})

	left := merged(merged(a, b), c)
	right := merged(a, merged(b, c))
	swapped := merged(b, merged(a, c))
	reversed := merged(c, merged(b, a))

	for name, got := range map[string]Stats{"right": right, "swapped": swapped, "reversed": reversed} {
		if got != left {
			t.Errorf("%s = %+v, want %+v", name, got, left)
		}
	}

	all := sampleStats(
		[2]float64{500, 250}, [2]float64{250, 125}, [2]float64{1000, 500},
		[2]float64{1500, 750}, [2]float64{250, 125}, [2]float64{4000, 0},
	)
	if left != all {
		t.Errorf("merged = %+v, want direct recording %+v", left, all)
	}
}

func TestStatsMergeOrderIndependentForDecimalMillis(t *testing.T) {
	a := sampleStats([2]float64{100, 100})
	b := sampleStats([2]float64{200, 200})
	c := sampleStats([2]float64{300, 300})

	left := merged(merged(a, b), c)
	right := merged(a, merged(b, c))
	if left != right {
		t.Fatalf("merge(merge(a,b),c) = %v, merge(a,merge(b,c)) = %v", left.Values(), right.Values())
	}

	data, err := json.Marshal(left)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(data), "[3,0.6,0.6,0.1,0.3,0.14]"; got != want {
		t.Errorf("wire = %s, want %s", got, want)
	}

	// A failed harvest of a merged back into a table already holding b and c.
	live := sampleStats([2]float64{200, 200}, [2]float64{300, 300})
	live.Merge(&a)
	if live != left {
		t.Errorf("merge-back = %v, want %v", live.Values(), left.Values())
	}
}

func TestStatsMergeZero(t *testing.T) {
	a := sampleStats([2]float64{500, 250})
	var zero Stats

	if got := merged(a, zero); got != a {
		t.Errorf("a+0 = %+v, want %+v", got, a)
	}
	if got := merged(zero, a); got != a {
		t.Errorf("0+a = %+v, want %+v", got, a)
	}

	a.Merge(nil)
	if a.CallCount != 1 {
		t.Errorf("Merge(nil) changed CallCount to %d", a.CallCount)
	}
}
