package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks benchmark statistics using atomic operations.
type Stats struct {
	ops    [numOpTypes]atomic.Uint64
	errors [numOpTypes]atomic.Uint64
	cats   [numErrCategories]atomic.Uint64

	// Latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
	lastError string
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordOp records a successful operation.
func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	s.ops[opType].Add(1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed operation.
func (s *Stats) RecordError(opType OpType, err error) {
	s.errors[opType].Add(1)
	s.cats[ClassifyError(err)].Add(1)

	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// Ops returns successful operations of one type.
func (s *Stats) Ops(opType OpType) uint64 {
	return s.ops[opType].Load()
}

// TotalOps returns total successful operations.
func (s *Stats) TotalOps() uint64 {
	var total uint64
	for i := range s.ops {
		total += s.ops[i].Load()
	}
	return total
}

// TotalErrors returns total errors.
func (s *Stats) TotalErrors() uint64 {
	var total uint64
	for i := range s.errors {
		total += s.errors[i].Load()
	}
	return total
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 = sorted[n*50/100]
	p90 = sorted[n*90/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]

	return p50, p90, p95, p99
}

// GetLatencyStats returns min, max, avg in microseconds.
func (s *Stats) GetLatencyStats() (min, max, avg int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	min = s.latencies[0]
	max = s.latencies[0]
	var sum int64

	for _, l := range s.latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}

	avg = sum / int64(len(s.latencies))
	return min, max, avg
}

// Snapshot is a copy of current counters.
type Snapshot struct {
	Total  uint64
	Errors uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Total:  s.TotalOps(),
		Errors: s.TotalErrors(),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	totalOps := s.TotalOps()
	totalErrors := s.TotalErrors()

	throughput := float64(totalOps) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ops/sec\n", throughput)
	fmt.Println()

	fmt.Println("Operations:")
	for op := OpChat; op < numOpTypes; op++ {
		fmt.Printf("  %-10s %d\n", op.String()+":", s.ops[op].Load())
	}
	fmt.Printf("  %-10s %d\n", "TOTAL:", totalOps)
	fmt.Println()

	if totalErrors > 0 {
		fmt.Println("Errors:")
		for op := OpChat; op < numOpTypes; op++ {
			if n := s.errors[op].Load(); n > 0 {
				fmt.Printf("  %s errors: %d\n", op, n)
			}
		}
		for c := ErrorCategory(0); c < numErrCategories; c++ {
			if n := s.cats[c].Load(); n > 0 {
				fmt.Printf("  %-13s %d\n", c.String()+":", n)
			}
		}
		fmt.Printf("  Total errors:  %d\n", totalErrors)
		s.mu.Lock()
		fmt.Printf("  Last error:    %s\n", s.lastError)
		s.mu.Unlock()
		fmt.Println()
	}

	min, max, avg := s.GetLatencyStats()
	p50, p90, p95, p99 := s.GetLatencyPercentiles()

	fmt.Println("Latency (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
