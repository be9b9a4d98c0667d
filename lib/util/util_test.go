package util

import (
	"math"
	"testing"
)

func TestHashString(t *testing.T) {
	if HashString("ctx", 0) != HashString("ctx", 0) {
		t.Errorf("Expected hashing to be deterministic")
	}
	if HashString("ctx", 0) == HashString("ctx", 1) {
		t.Errorf("Expected the seed to change the hash")
	}
	if HashString("a", 0) == HashString("b", 0) {
		t.Errorf("Expected different inputs to hash differently")
	}
}

func TestDistributionStats(t *testing.T) {
	tests := []struct {
		name    string
		counts  []float64
		quality float64
	}{
		{"even", []float64{5, 5, 5}, 1.0},
		{"empty", nil, 0.5},
	}

	for _, tt := range tests {
		got := NewDistributionStats(tt.counts)
		if math.Abs(got.DistributionQuality-tt.quality) > 1e-9 {
			t.Errorf("%s: Expected quality %f, got %f", tt.name, tt.quality, got.DistributionQuality)
		}
	}

	skewed := NewDistributionStats([]float64{0, 10})
	if skewed.DistributionQuality >= 0.5 {
		t.Errorf("Expected skewed quality below 0.5, got %f", skewed.DistributionQuality)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.Percentile(50) != 0 {
		t.Errorf("Expected 0 for empty histogram")
	}

	for _, s := range []int{10, 10, 100, 2000} {
		h.AddSample(s)
	}

	if h.Count() != 4 {
		t.Errorf("Expected 4 samples, got %d", h.Count())
	}
	if h.AverageSize() != 530 {
		t.Errorf("Expected average 530, got %d", h.AverageSize())
	}
	if p := h.Percentile(50); p != 8 {
		t.Errorf("Expected median estimate 8, got %d", p)
	}
	if p := h.Percentile(100); p != (1024+4096)/2 {
		t.Errorf("Expected max estimate %d, got %d", (1024+4096)/2, p)
	}
}
