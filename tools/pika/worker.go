package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/mirror"
)

// Worker executes operations against the engine as one identity.
type Worker struct {
	id         int
	engine     Engine
	caller     common.Caller
	conn       *mirror.Conn
	keys       KeySpace
	opSelector *OpSelector
	stats      *Stats
	rng        *rand.Rand
}

// NewWorker creates a new worker. conn backs presence operations and may be nil
// when the workload has none.
func NewWorker(id int, eng Engine, conn *mirror.Conn, keys KeySpace, opSelector *OpSelector, stats *Stats) *Worker {
	return &Worker{
		id:         id,
		engine:     eng,
		caller:     common.Caller{Identity: workerIdentity(id), Role: benchRole},
		conn:       conn,
		keys:       keys,
		opSelector: opSelector,
		stats:      stats,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

func workerIdentity(id int) string {
	return fmt.Sprintf("bench_%04d", id)
}

// RunBenchmark executes operations until opsChan closes or ctx is done.
func (w *Worker) RunBenchmark(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}

			opType := w.opSelector.Select()
			if opType == OpPresence && w.conn == nil {
				opType = OpAnalytics
			}
			op := NewOperation(opType, w.keys, w.rng)

			start := time.Now()
			err := ExecuteOp(ctx, w.engine, w.caller, w.conn, op)
			latency := time.Since(start)

			if err != nil {
				w.stats.RecordError(opType, err)
			} else {
				w.stats.RecordOp(opType, latency)
			}
		}
	}
}

// executeLoad seeds products, orders and stock.
func executeLoad(ctx context.Context, cfg *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Load Phase                           ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Printf("DataDir:     %s\n", cfg.DataDir)
	fmt.Printf("Driver:      %s\n", cfg.Driver)
	fmt.Printf("Products:    %d\n", cfg.Products)
	fmt.Printf("Orders:      %d\n", cfg.Orders)
	fmt.Printf("Stock:       %d\n", cfg.InitialStock)
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Println()

	h, err := NewHarness(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	stats := NewStats()
	eng := engineAdapter{e: h.Engine}
	loader := common.Caller{Identity: "bench_loader", Role: benchRole}

	jobs := make(chan func() (OpType, error), cfg.Threads*10)
	var wg sync.WaitGroup
	start := time.Now()

	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats, h.Engine.ActiveWatchers)

	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				begin := time.Now()
				opType, err := job()
				if err != nil {
					stats.RecordError(opType, err)
				} else {
					stats.RecordOp(opType, time.Since(begin))
				}
			}
		}()
	}

feed:
	for i := 1; i <= max(cfg.Products, cfg.Orders); i++ {
		n := i
		if n <= cfg.Products {
			job := func() (OpType, error) {
				id := productKey(n)
				_, err := h.Primary.Set(ctx, productsCollection, id, common.Payload{
					"name":  "Product " + id,
					"price": int64(100 + n%900),
				}, common.OriginPrimary)
				if err != nil || cfg.InitialStock == 0 {
					return OpInventory, err
				}
				return OpInventory, eng.AdjustInventory(ctx, loader, id, cfg.InitialStock)
			}
			select {
			case <-ctx.Done():
				break feed
			case jobs <- job:
			}
		}
		if n <= cfg.Orders {
			job := func() (OpType, error) {
				_, err := h.Primary.Set(ctx, ordersCollection, orderKey(n), common.Payload{
					"status": "new",
					"total":  int64(n % 500),
				}, common.OriginPrimary)
				return OpOrder, err
			}
			select {
			case <-ctx.Done():
				break feed
			case jobs <- job:
			}
		}
	}

	close(jobs)
	wg.Wait()
	stopReporter()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("                    LOAD COMPLETE                      ")
	fmt.Println("═══════════════════════════════════════════════════════")
	stats.PrintFinal(elapsed)

	return nil
}

// executeRun runs the benchmark phase.
func executeRun(ctx context.Context, cfg *Config) (*Harness, error) {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Benchmark Phase                      ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	dist := cfg.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return nil, err
	}

	fmt.Printf("DataDir:     %s\n", cfg.DataDir)
	fmt.Printf("Workload:    %s\n", cfg.Workload)
	fmt.Printf("Distribution: C:%d%% I:%d%% A:%d%% O:%d%% P:%d%%\n",
		dist.Chat, dist.Inventory, dist.Analytics, dist.Order, dist.Presence)
	fmt.Printf("Operations:  %d\n", cfg.Operations)
	if cfg.Duration > 0 {
		fmt.Printf("Duration:    %s\n", cfg.Duration)
	}
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Println()

	h, err := NewHarness(ctx, cfg)
	if err != nil {
		return nil, err
	}

	keys := KeySpace{products: cfg.Products, orders: cfg.Orders, chats: cfg.Chats}
	stats := NewStats()
	eng := engineAdapter{e: h.Engine}

	// Create operation channel
	opsChan := make(chan struct{}, cfg.Threads*10)

	var wg sync.WaitGroup
	start := time.Now()

	// Start workers, each with its own connection for presence
	conns := make([]*mirror.Conn, 0, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		conn, err := h.Mirror.Connect(workerIdentity(i))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to open connection: %w", err)
		}
		conns = append(conns, conn)

		wg.Add(1)
		opSelector := NewOpSelector(dist, time.Now().UnixNano()+int64(i))
		worker := NewWorker(i, eng, conn, keys, opSelector, stats)
		go worker.RunBenchmark(ctx, opsChan, &wg)
	}

	// Start reporter
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats, h.Engine.ActiveWatchers)

	// Feed operations
	if cfg.Duration > 0 {
		deadline := time.After(cfg.Duration)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline:
				break loop
			case opsChan <- struct{}{}:
			}
		}
	} else {
	opsLoop:
		for i := 0; i < cfg.Operations; i++ {
			select {
			case <-ctx.Done():
				break opsLoop
			case opsChan <- struct{}{}:
			}
		}
	}

	close(opsChan)
	wg.Wait()
	stopReporter()
	elapsed := time.Since(start)

	// Graceful close discards pending disconnect hooks
	for _, conn := range conns {
		conn.Close()
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("                  BENCHMARK COMPLETE                   ")
	fmt.Println("═══════════════════════════════════════════════════════")
	stats.PrintFinal(elapsed)

	return h, nil
}
