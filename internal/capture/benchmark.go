package capture

import (
	"image"
	"time"
)

// BenchmarkResult summarizes an in-memory capture run
type BenchmarkResult struct {
	Frames   int           `json:"frames"`
	Failures int           `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
	AvgFPS   float64       `json:"avg_fps"`
	MinFrame time.Duration `json:"min_frame"`
	MaxFrame time.Duration `json:"max_frame"`
	AvgFrame time.Duration `json:"avg_frame"`
}

// Benchmark captures rect from src back to back for the given duration without
// pacing and reports throughput. Failed captures are counted, not retried.
func Benchmark(src Source, rect image.Rectangle, d time.Duration) BenchmarkResult {
	var (
		res   BenchmarkResult
		total time.Duration
	)

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		start := time.Now()
		_, err := src.Capture(rect)
		elapsed := time.Since(start)
		if err != nil {
			res.Failures++
			continue
		}

		res.Frames++
		total += elapsed
		if res.MinFrame == 0 || elapsed < res.MinFrame {
			res.MinFrame = elapsed
		}
		if elapsed > res.MaxFrame {
			res.MaxFrame = elapsed
		}
	}

	res.Elapsed = total
	if res.Frames > 0 {
		res.AvgFrame = total / time.Duration(res.Frames)
		if total > 0 {
			res.AvgFPS = float64(res.Frames) / total.Seconds()
		}
	}
	return res
}
