package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/engine"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/ratelimit"
)

const (
	productsCollection = "products"
	ordersCollection   = "orders"
	benchRole          = "bench"
)

var benchCollections = []string{productsCollection, ordersCollection}

// Harness runs both stores and the sync engine in-process
type Harness struct {
	Primary *primary.Store
	Mirror  *mirror.Store
	Engine  *engine.Engine
}

// NewHarness opens the stores under the data directory and starts the engine
func NewHarness(ctx context.Context, c *Config) (*Harness, error) {
	clock := hlc.NewClock(1)

	dsn := c.DSN
	if dsn == "" && cfg.PrimaryDriver(c.Driver) == cfg.PrimarySQLite {
		dsn = filepath.Join(c.DataDir, "primary.db")
	}

	p, err := primary.Open(primary.Options{
		Driver:       cfg.PrimaryDriver(c.Driver),
		DSN:          dsn,
		Clock:        clock,
		MaxOpenConns: c.Threads,
		PollInterval: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}

	m, err := mirror.Open(mirror.Options{
		Dir:   filepath.Join(c.DataDir, "mirror"),
		Clock: clock,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open mirror store: %w", err)
	}

	e, err := engine.New(engine.Config{
		Primary: p,
		Mirror:  m,
		Limiter: ratelimit.New(ratelimit.Options{
			Window:     time.Second,
			Thresholds: map[string]int{benchRole: math.MaxInt32},
		}),
		Collections:      benchCollections,
		CollectionGlob:   ordersCollection,
		EmitChangeEvents: true,
	})
	if err != nil {
		m.Close()
		p.Close()
		return nil, err
	}

	if err := e.Start(ctx); err != nil {
		m.Close()
		p.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return &Harness{Primary: p, Mirror: m, Engine: e}, nil
}

// Close stops the engine and closes both stores
func (h *Harness) Close() error {
	h.Engine.Stop()
	mErr := h.Mirror.Close()
	pErr := h.Primary.Close()
	if pErr != nil {
		return pErr
	}
	return mErr
}
