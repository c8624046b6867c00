package vector

import (
	"errors"
	"math"
	"testing"
)

func TestCosineProperties(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-2, 0.5, 4}

	self, err := Cosine(a, a)
	if err != nil {
		t.Fatalf("Cosine(a,a) failed: %v", err)
	}
	if math.Abs(self-1.0) > 1e-6 {
		t.Errorf("Cosine(a,a) should be ~1.0, got %f", self)
	}

	ab, _ := Cosine(a, b)
	ba, _ := Cosine(b, a)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("cosine should be symmetric: %f vs %f", ab, ba)
	}

	orth, _ := Cosine([]float32{1, 0}, []float32{0, 1})
	if math.Abs(orth) > 1e-9 {
		t.Errorf("orthogonal vectors should score ~0, got %f", orth)
	}

	if _, err := Cosine([]float32{1, 2}, []float32{1, 2, 3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("mismatched dimensions should return ErrDimensionMismatch, got %v", err)
	}
}

func TestCosineZeroMagnitude(t *testing.T) {
	sim, err := Cosine([]float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sim != 0 {
		t.Errorf("zero vector similarity should be 0, got %f", sim)
	}
}

func TestIndexAddAndSearch(t *testing.T) {
	ix, err := NewIndex(3, 0)
	if err != nil {
		t.Fatal(err)
	}

	_ = ix.Add("a", "alpha", []float32{1, 0, 0}, nil)
	_ = ix.Add("b", "beta", []float32{0, 1, 0}, nil)
	_ = ix.Add("c", "gamma", []float32{0.9, 0.1, 0}, nil)

	results, err := ix.Search([]float32{1, 0, 0}, SearchOptions{Limit: 2, Threshold: 0.5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("best match should be 'a', got %q", results[0].ID)
	}
	if results[1].ID != "c" {
		t.Errorf("second match should be 'c', got %q", results[1].ID)
	}
}

func TestIndexSearchNonPositiveLimit(t *testing.T) {
	ix, _ := NewIndex(2, 0)
	_ = ix.Add("a", "", []float32{1, 0}, nil)

	for _, limit := range []int{0, -1} {
		results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: limit})
		if err != nil {
			t.Fatalf("limit=%d should not error: %v", limit, err)
		}
		if len(results) != 0 {
			t.Errorf("limit=%d should return empty result, got %d entries", limit, len(results))
		}
	}
}

func TestIndexDimensionMismatch(t *testing.T) {
	ix, _ := NewIndex(3, 0)

	if err := ix.Add("a", "", []float32{1, 0}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add with wrong dimension should fail, got %v", err)
	}
	if _, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search with wrong dimension should fail, got %v", err)
	}
}

func TestIndexCapacityEviction(t *testing.T) {
	ix, _ := NewIndex(2, 3)

	_ = ix.Add("one", "", []float32{1, 0}, nil)
	_ = ix.Add("two", "", []float32{1, 0}, nil)
	_ = ix.Add("three", "", []float32{1, 0}, nil)
	_ = ix.Add("four", "", []float32{1, 0}, nil)
	_ = ix.Add("five", "", []float32{1, 0}, nil)

	if ix.Len() != 3 {
		t.Fatalf("index should hold exactly maxEntries=3, got %d", ix.Len())
	}

	ids := ix.IDs()
	want := []string{"three", "four", "five"}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("expected surviving ids %v, got %v", want, ids)
			break
		}
	}
}

func TestIndexReplaceKeepsSingleEntry(t *testing.T) {
	ix, _ := NewIndex(2, 0)

	_ = ix.Add("a", "v1", []float32{1, 0}, nil)
	_ = ix.Add("a", "v2", []float32{0, 1}, nil)

	if ix.Len() != 1 {
		t.Fatalf("replacing an id should not create a duplicate, got %d entries", ix.Len())
	}

	results, _ := ix.Search([]float32{0, 1}, SearchOptions{Limit: 10, Threshold: 0.9})
	if len(results) != 1 || results[0].Content != "v2" {
		t.Errorf("search should return the replaced entry, got %+v", results)
	}
}

func TestIndexStableTieBreak(t *testing.T) {
	ix, _ := NewIndex(2, 0)

	// Identical vectors: all score equally against the query.
	_ = ix.Add("first", "", []float32{1, 1}, nil)
	_ = ix.Add("second", "", []float32{1, 1}, nil)
	_ = ix.Add("third", "", []float32{1, 1}, nil)

	results, _ := ix.Search([]float32{1, 1}, SearchOptions{Limit: 3})
	want := []string{"first", "second", "third"}
	for i, id := range want {
		if results[i].ID != id {
			t.Fatalf("equal scores must preserve insertion order, got %v", results)
		}
	}
}

func TestIndexRemove(t *testing.T) {
	ix, _ := NewIndex(2, 0)
	_ = ix.Add("a", "", []float32{1, 0}, nil)

	if !ix.Remove("a") {
		t.Error("removing an existing id should return true")
	}
	if ix.Remove("a") {
		t.Error("removing a missing id should return false")
	}
	if ix.Len() != 0 {
		t.Errorf("index should be empty, got %d", ix.Len())
	}
}
