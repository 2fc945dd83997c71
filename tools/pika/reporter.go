package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats, watchers func() int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			opsSec := snapshot.Total - lastSnapshot.Total
			cumThroughput := float64(snapshot.Total) / elapsed.Seconds()

			fmt.Printf("[%5.0fs] ops/sec: %6d | total: %8d | errors: %4d | watchers: %2d | throughput: %.1f ops/sec\n",
				elapsed.Seconds(),
				opsSec,
				snapshot.Total,
				snapshot.Errors,
				watchers(),
				cumThroughput,
			)

			lastSnapshot = snapshot
		}
	}
}
