package main

import (
	"fmt"
	"time"

	"github.com/maxpert/syncbridge/cfg"
)

type Config struct {
	// Stores
	DataDir string
	Driver  string
	DSN     string

	// Load options
	Products     int
	Orders       int
	InitialStock int64

	// Run options
	Workload   string
	Operations int
	Duration   time.Duration
	Threads    int
	Chats      int

	// Workload percentages (-1 means use workload default)
	ChatPct      int
	InventoryPct int
	AnalyticsPct int
	OrderPct     int
	PresencePct  int

	// Verify options
	Verify        bool          // Run verification after benchmark (for run command)
	VerifyDelay   time.Duration // Delay before verification to let the bridge drain
	VerifySamples int           // Number of documents to verify per collection, 0 = all
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}

	switch cfg.PrimaryDriver(c.Driver) {
	case cfg.PrimarySQLite:
	case cfg.PrimaryMySQL:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the mysql driver")
		}
	case "":
		c.Driver = string(cfg.PrimarySQLite)
	default:
		return fmt.Errorf("invalid driver: %s (must be sqlite3|mysql)", c.Driver)
	}

	if c.Products < 0 || c.Orders < 0 {
		return fmt.Errorf("products and orders must be non-negative")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}

	if c.Chats < 1 {
		c.Chats = 1
	}

	if c.VerifySamples < 0 {
		return fmt.Errorf("samples must be non-negative")
	}

	// Validate workload type
	switch c.Workload {
	case "mixed", "chat-heavy", "inventory-heavy", "orders-only":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|chat-heavy|inventory-heavy|orders-only)", c.Workload)
	}

	return nil
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	// Start with defaults based on workload type
	switch c.Workload {
	case "mixed":
		dist = WorkloadDistribution{Chat: 30, Inventory: 25, Analytics: 20, Order: 15, Presence: 10}
	case "chat-heavy":
		dist = WorkloadDistribution{Chat: 70, Inventory: 5, Analytics: 10, Order: 5, Presence: 10}
	case "inventory-heavy":
		dist = WorkloadDistribution{Chat: 5, Inventory: 70, Analytics: 10, Order: 15, Presence: 0}
	case "orders-only":
		dist = WorkloadDistribution{Order: 100}
	}

	// Override with explicit percentages if provided
	if c.ChatPct >= 0 {
		dist.Chat = c.ChatPct
	}
	if c.InventoryPct >= 0 {
		dist.Inventory = c.InventoryPct
	}
	if c.AnalyticsPct >= 0 {
		dist.Analytics = c.AnalyticsPct
	}
	if c.OrderPct >= 0 {
		dist.Order = c.OrderPct
	}
	if c.PresencePct >= 0 {
		dist.Presence = c.PresencePct
	}

	return dist
}

type WorkloadDistribution struct {
	Chat      int
	Inventory int
	Analytics int
	Order     int
	Presence  int
}

func (w WorkloadDistribution) Total() int {
	return w.Chat + w.Inventory + w.Analytics + w.Order + w.Presence
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
