package apmz

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestMetricTableEmptySerializesToArray(t *testing.T) {
	table := NewMetricTable(testEpoch)

	entries := table.Entries()
	if entries == nil {
		t.Fatal("Entries of empty table should be non-nil")
	}
	if len(entries) != 0 {
		t.Fatalf("Expected 0 entries, got %d", len(entries))
	}

	data, err := json.Marshal(table)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("empty table = %s, want []", data)
	}
}

func TestMetricTableGetOrCreate(t *testing.T) {
	table := NewMetricTable(testEpoch)

	a := table.GetOrCreate("Datastore/select", "")
	b := table.GetOrCreate("Datastore/select", "")
	if a != b {
		t.Error("GetOrCreate should return the existing aggregate")
	}

	scoped := table.GetOrCreate("Datastore/select", "WebTransaction/home")
	if scoped == a {
		t.Error("scoped and unscoped aggregates must be independent")
	}

	a.RecordMillis(100, 100)
	if s, _ := table.Lookup("Datastore/select", "WebTransaction/home"); s.CallCount != 0 {
		t.Errorf("scoped CallCount = %d, want 0", s.CallCount)
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
}

func TestMetricTableWireOrder(t *testing.T) {
	table := NewMetricTable(testEpoch)
	table.Measure("b", "", time.Second, time.Second)
	table.Measure("x", "scope2", time.Second, time.Second)
	table.Measure("a", "", time.Second, time.Second)
	table.Measure("z", "scope1", time.Second, time.Second)
	table.Measure("y", "scope1", time.Second, time.Second)
	table.Measure("b", "", time.Second, time.Second)

	want := []MetricSpec{
		{Name: "b"},
		{Name: "a"},
		{Name: "z", Scope: "scope1"},
		{Name: "y", Scope: "scope1"},
		{Name: "x", Scope: "scope2"},
	}

	entries := table.Entries()
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.Spec != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, e.Spec, want[i])
		}
	}
	if entries[0].Stats.CallCount != 2 {
		t.Errorf("b CallCount = %d, want 2", entries[0].Stats.CallCount)
	}
}

func TestMetricEntryJSON(t *testing.T) {
	table := NewMetricTable(testEpoch)
	table.Measure("Custom/work", "", time.Second, time.Second)
	table.Measure("Custom/work", "WebTransaction/home", 1200*time.Millisecond, time.Second)

	data, err := json.Marshal(table)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `[[{"name":"Custom/work"},[1,1,1,1,1,1]],` +
		`[{"name":"Custom/work","scope":"WebTransaction/home"},[1,1.2,1,1.2,1.2,1.44]]]`
	if string(data) != want {
		t.Errorf("wire =\n%s\nwant\n%s", data, want)
	}
}

func TestMetricTableMerge(t *testing.T) {
	left := NewMetricTable(testEpoch.Add(time.Minute))
	left.Measure("shared", "", time.Second, time.Second)
	left.Measure("left-only", "s", time.Second, time.Second)

	right := NewMetricTable(testEpoch)
	right.Measure("shared", "", 2*time.Second, time.Second)
	right.Measure("right-only", "", time.Second, time.Second)

	left.Merge(right)

	if left.Len() != 3 {
		t.Fatalf("Len = %d, want 3", left.Len())
	}
	shared, _ := left.Lookup("shared", "")
	if shared.CallCount != 2 || shared.Total != 3*time.Second || shared.Max != 2*time.Second || shared.Min != time.Second {
		t.Errorf("shared = %+v", shared)
	}
	if _, ok := left.Lookup("left-only", "s"); !ok {
		t.Error("left-only entry lost")
	}
	if _, ok := left.Lookup("right-only", ""); !ok {
		t.Error("right-only entry lost")
	}
	if !left.Since().Equal(testEpoch) {
		t.Errorf("Since = %v, want earliest %v", left.Since(), testEpoch)
	}

	// The merged-in table is left intact.
	if right.Len() != 2 {
		t.Errorf("right Len = %d, want 2", right.Len())
	}

	left.Merge(left)
	if s, _ := left.Lookup("shared", ""); s.CallCount != 2 {
		t.Errorf("self merge changed CallCount to %d", s.CallCount)
	}
}

func TestMetricTableClone(t *testing.T) {
	table := NewMetricTable(testEpoch)
	table.Measure("a", "", time.Second, time.Second)

	clone := table.Clone()
	clone.Measure("a", "", time.Second, time.Second)
	clone.Measure("b", "", time.Second, time.Second)

	if s, _ := table.Lookup("a", ""); s.CallCount != 1 {
		t.Errorf("original CallCount = %d, want 1", s.CallCount)
	}
	if table.Len() != 1 {
		t.Errorf("original Len = %d, want 1", table.Len())
	}
}

func TestMetricTableConcurrentMeasure(t *testing.T) {
	table := NewMetricTable(testEpoch)

	var wg sync.WaitGroup
	numGoroutines := 50
	perGoroutine := 200

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			scope := "even"
			if n%2 == 1 {
				scope = "odd"
			}
			for j := 0; j < perGoroutine; j++ {
				table.Measure("op", scope, time.Millisecond, time.Millisecond)
				table.Measure("op", "", time.Millisecond, time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	all, _ := table.Lookup("op", "")
	if all.CallCount != int64(numGoroutines*perGoroutine) {
		t.Errorf("unscoped CallCount = %d, want %d", all.CallCount, numGoroutines*perGoroutine)
	}
	even, _ := table.Lookup("op", "even")
	odd, _ := table.Lookup("op", "odd")
	if even.CallCount+odd.CallCount != all.CallCount {
		t.Errorf("scoped counts %d+%d != %d", even.CallCount, odd.CallCount, all.CallCount)
	}
}
