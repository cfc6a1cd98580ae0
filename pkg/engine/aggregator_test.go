package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAggregatorFinishWaitsForAllCells(t *testing.T) {
	service := &mockCoverageService{}
	agg := NewCoverageAggregator(service, testLogger())

	cells := []string{"ubuntu-latest-py3.10", "ubuntu-latest-py3.11", "macos-latest-py3.11"}
	for _, id := range cells {
		if err := agg.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	// Finishing with everything outstanding is an ordering violation.
	err := agg.Finish(context.Background())
	if !IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}
	if service.finishCount() != 0 {
		t.Fatal("finish signal must not reach the service")
	}

	for _, id := range cells[:2] {
		if err := agg.MarkDone(id); err != nil {
			t.Fatalf("mark done %s: %v", id, err)
		}
	}

	// One slow shard still outstanding.
	err = agg.Finish(context.Background())
	if !IsAggregationError(err) {
		t.Fatalf("expected aggregation error with a shard outstanding, got %v", err)
	}
	if got := agg.Outstanding(); len(got) != 1 || got[0] != "macos-latest-py3.11" {
		t.Fatalf("unexpected outstanding set: %v", got)
	}

	if err := agg.MarkDone("macos-latest-py3.11"); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := agg.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if service.finishCount() != 1 {
		t.Fatalf("expected exactly one finish signal, got %d", service.finishCount())
	}
}

func TestAggregatorDoubleFinish(t *testing.T) {
	service := &mockCoverageService{}
	agg := NewCoverageAggregator(service, testLogger())

	if err := agg.Register("cell"); err != nil {
		t.Fatal(err)
	}
	if err := agg.MarkDone("cell"); err != nil {
		t.Fatal(err)
	}
	if err := agg.Finish(context.Background()); err != nil {
		t.Fatalf("first finish: %v", err)
	}

	err := agg.Finish(context.Background())
	if !IsAggregationError(err) {
		t.Fatalf("expected aggregation error on double finish, got %v", err)
	}
	if service.finishCount() != 1 {
		t.Fatalf("service finished %d times", service.finishCount())
	}
}

func TestAggregatorUnknownCellMarkDone(t *testing.T) {
	agg := NewCoverageAggregator(&mockCoverageService{}, testLogger())

	if err := agg.MarkDone("never-registered"); !IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}

	if err := agg.Register("cell"); err != nil {
		t.Fatal(err)
	}
	if err := agg.MarkDone("cell"); err != nil {
		t.Fatal(err)
	}
	// Double mark-done is the same bookkeeping violation.
	if err := agg.MarkDone("cell"); !IsAggregationError(err) {
		t.Fatalf("expected aggregation error on double mark, got %v", err)
	}
}

func TestAggregatorRegisterAfterFinish(t *testing.T) {
	agg := NewCoverageAggregator(&mockCoverageService{}, testLogger())

	if err := agg.Register("cell"); err != nil {
		t.Fatal(err)
	}
	if err := agg.MarkDone("cell"); err != nil {
		t.Fatal(err)
	}
	if err := agg.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := agg.Register("late"); !IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}
}

func TestAggregatorConcurrentMarkDone(t *testing.T) {
	service := &mockCoverageService{}
	agg := NewCoverageAggregator(service, testLogger())

	const shards = 32
	ids := make([]string, shards)
	for i := range ids {
		ids[i] = MatrixCell{Platform: "ubuntu-latest", LanguageVersion: time.Duration(i).String()}.ID()
		if err := agg.Register(ids[i]); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := agg.MarkDone(id); err != nil {
				t.Errorf("mark done %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if err := agg.Finish(context.Background()); err != nil {
		t.Fatalf("finish after concurrent marks: %v", err)
	}
	if service.finishCount() != 1 {
		t.Fatalf("expected one finish, got %d", service.finishCount())
	}
}
