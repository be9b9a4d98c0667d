package util

import "math"

// ----------------------------------------------------------------------------
// Summary statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, standard deviation, minimum and maximum of values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if max > 0 {
		ratio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sq / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// DistributionStats rates how evenly keys are spread over nodes.
// DistributionQuality is 1 for a perfectly even spread.
type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for the given per-node counts.
func NewDistributionStats(counts []float64) DistributionStats {
	stats := NewStats(counts)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// lower coefficient of variation and higher min/max ratio mean a better spread
	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

var sizeBoundaries = []int{
	16, 64, 256, 1024, 4096, // bytes
	16384, 65536, 262144, 1048576, // KB
	4194304, 16777216, 67108864, // MB
	268435456, 1073741824, 4294967296,
}

// SizeHistogram counts value sizes in exponential buckets.
// It is filled by a single goroutine while scanning a store and is not safe for concurrent use.
type SizeHistogram struct {
	buckets []int64
	count   int64
	sum     int64
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{buckets: make([]int64, len(sizeBoundaries)+1)}
}

// AddSample records a size.
func (h *SizeHistogram) AddSample(size int) {
	idx := len(sizeBoundaries)
	for i, b := range sizeBoundaries {
		if size <= b {
			idx = i
			break
		}
	}
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
}

// Count returns the number of samples.
func (h *SizeHistogram) Count() int64 {
	return h.count
}

// AverageSize returns the exact average of all samples.
func (h *SizeHistogram) AverageSize() int {
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile estimates the given percentile (0-100) from the bucket boundaries.
func (h *SizeHistogram) Percentile(p int) int {
	if h.count == 0 || p < 0 || p > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(p) / 100.0))
	var cumulative int64
	for i, c := range h.buckets {
		cumulative += c
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			return sizeBoundaries[len(sizeBoundaries)-1] * 2
		}
	}
	return h.AverageSize()
}
