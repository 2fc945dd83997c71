package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Engine logs would drown the progress reporter
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load":
		runLoad(args)
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - Syncbridge workload tool

Usage:
  pika <command> [options]

Commands:
  load      Seed products, orders and stock in the primary store
  run       Run a workload against an in-process sync engine
  verify    Verify the mirror converged to the primary store
  version   Print version
  help      Show this help

Common Options:
  --data-dir      Directory for primary.db and the mirror (default: ./pika-data)
  --driver        Primary driver: sqlite3|mysql (default: sqlite3)
  --dsn           Primary DSN (required for mysql)
  --products      Number of products (default: 1000)
  --orders        Number of orders (default: 1000)
  --threads       Number of concurrent workers (default: 10)

Load Options:
  --stock         Initial stock per product (default: 100)

Run Options:
  --workload      Workload type: mixed|chat-heavy|inventory-heavy|orders-only (default: mixed)
  --operations    Total operations to execute (default: 50000)
  --duration      Duration to run (e.g., 60s), overrides --operations
  --chats         Number of chat rooms (default: 50)
  --chat-pct      Chat percentage (overrides workload default)
  --inventory-pct Inventory percentage (overrides workload default)
  --analytics-pct Analytics percentage (overrides workload default)
  --order-pct     Order status percentage (overrides workload default)
  --presence-pct  Presence percentage (overrides workload default)
  --verify        Run mirror verification after the workload (default: false)
  --verify-delay  Delay before verification for the bridge to drain (default: 2s)
  --verify-samples Documents to verify per collection, 0 = all (default: 0)

Verify Options:
  --samples       Documents to verify per collection, 0 = all (default: 0)

Examples:
  pika load --data-dir=/tmp/pika --products=5000 --orders=5000
  pika run --data-dir=/tmp/pika --workload=mixed --operations=50000 --verify
  pika verify --data-dir=/tmp/pika`)
}

func commonFlags(fs *flag.FlagSet, cfg *Config, threads int) {
	fs.StringVar(&cfg.DataDir, "data-dir", "./pika-data", "Directory for primary.db and the mirror")
	fs.StringVar(&cfg.Driver, "driver", "sqlite3", "Primary driver: sqlite3|mysql")
	fs.StringVar(&cfg.DSN, "dsn", "", "Primary DSN (required for mysql)")
	fs.IntVar(&cfg.Products, "products", 1000, "Number of products")
	fs.IntVar(&cfg.Orders, "orders", 1000, "Number of orders")
	fs.IntVar(&cfg.Threads, "threads", threads, "Number of concurrent workers")
}

func parseConfig(fs *flag.FlagSet, cfg *Config, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}
}

// interruptible returns a context cancelled on SIGINT/SIGTERM or after timeLimit
func interruptible(timeLimit time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runLoad(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("load", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	commonFlags(fs, cfg, 10)
	fs.Int64Var(&cfg.InitialStock, "stock", 100, "Initial stock per product")
	parseConfig(fs, cfg, args)

	ctx, cancel := interruptible(timeLimit)
	defer cancel()

	if err := executeLoad(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	commonFlags(fs, cfg, 20)
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total operations to execute")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Chats, "chats", 50, "Number of chat rooms")
	fs.IntVar(&cfg.ChatPct, "chat-pct", -1, "Chat percentage (overrides workload)")
	fs.IntVar(&cfg.InventoryPct, "inventory-pct", -1, "Inventory percentage (overrides workload)")
	fs.IntVar(&cfg.AnalyticsPct, "analytics-pct", -1, "Analytics percentage (overrides workload)")
	fs.IntVar(&cfg.OrderPct, "order-pct", -1, "Order status percentage (overrides workload)")
	fs.IntVar(&cfg.PresencePct, "presence-pct", -1, "Presence percentage (overrides workload)")
	fs.BoolVar(&cfg.Verify, "verify", false, "Run mirror verification after the workload")
	fs.DurationVar(&cfg.VerifyDelay, "verify-delay", 2*time.Second, "Delay before verification for the bridge to drain")
	fs.IntVar(&cfg.VerifySamples, "verify-samples", 0, "Documents to verify per collection, 0 = all")
	parseConfig(fs, cfg, args)

	ctx, cancel := interruptible(timeLimit)
	defer cancel()

	h, err := executeRun(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	// Run verification if enabled
	if cfg.Verify {
		fmt.Printf("\nWaiting %s for the bridge to drain...\n", cfg.VerifyDelay)
		time.Sleep(cfg.VerifyDelay)

		// Fresh context, the run context may have hit its time limit
		if err := executeVerify(context.Background(), cfg, h); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			h.Close()
			os.Exit(1)
		}
	}
}

func runVerify(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	commonFlags(fs, cfg, 1)
	fs.IntVar(&cfg.VerifySamples, "samples", 0, "Documents to verify per collection, 0 = all")
	parseConfig(fs, cfg, args)

	ctx, cancel := interruptible(0)
	defer cancel()

	h, err := NewHarness(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	// Let the bridge catch up with changes recorded while it was not running
	time.Sleep(time.Second)

	if err := executeVerify(ctx, cfg, h); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		h.Close()
		os.Exit(1)
	}
}
