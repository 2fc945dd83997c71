package counter

import (
	"context"
	"time"

	"github.com/maxpert/syncbridge/common"
)

// Inventory keeps per-product stock counters that never go below zero
type Inventory struct {
	counter      *Counter
	lowThreshold int64
}

// NewInventory creates an inventory view. Adjustments that take stock from
// above lowThreshold to at or below it report a low-stock crossing.
func NewInventory(counter *Counter, lowThreshold int64) *Inventory {
	return &Inventory{counter: counter, lowThreshold: lowThreshold}
}

// Adjust applies delta to the stock of productID
func (i *Inventory) Adjust(ctx context.Context, productID string, delta int64) (Result, bool, error) {
	if err := common.ValidateSegment("product", productID); err != nil {
		return Result{}, false, err
	}

	res, err := i.counter.Apply(ctx, common.InventoryPath(productID), delta, StockClamp())
	if err != nil {
		return Result{}, false, err
	}
	return res, i.crossedLow(res), nil
}

func (i *Inventory) crossedLow(res Result) bool {
	return res.Previous > i.lowThreshold && res.Value <= i.lowThreshold
}

// Stock returns the current stock of productID
func (i *Inventory) Stock(ctx context.Context, productID string) (int64, error) {
	if err := common.ValidateSegment("product", productID); err != nil {
		return 0, err
	}
	return i.counter.Value(ctx, common.InventoryPath(productID))
}

// LowThreshold returns the low-stock threshold
func (i *Inventory) LowThreshold() int64 {
	return i.lowThreshold
}

// Analytics keeps all-time and per-day event counters
type Analytics struct {
	counter *Counter
}

// NewAnalytics creates an analytics view
func NewAnalytics(counter *Counter) *Analytics {
	return &Analytics{counter: counter}
}

// DayFormat is the layout of daily bucket keys
const DayFormat = "2006-01-02"

// Track counts one occurrence of eventName at the given time (UTC day bucket)
func (a *Analytics) Track(ctx context.Context, eventName string, at time.Time) (int64, error) {
	if err := common.ValidateSegment("event", eventName); err != nil {
		return 0, err
	}

	res, err := a.counter.Apply(ctx, common.AnalyticsCountPath(eventName), 1, Unclamped())
	if err != nil {
		return 0, err
	}
	if _, err := a.counter.Apply(ctx, common.AnalyticsDailyPath(eventName, at.UTC().Format(DayFormat)), 1, Unclamped()); err != nil {
		return res.Value, err
	}
	return res.Value, nil
}

// Count returns the all-time count of eventName
func (a *Analytics) Count(ctx context.Context, eventName string) (int64, error) {
	if err := common.ValidateSegment("event", eventName); err != nil {
		return 0, err
	}
	return a.counter.Value(ctx, common.AnalyticsCountPath(eventName))
}

// Daily returns the count of eventName on the UTC day of at
func (a *Analytics) Daily(ctx context.Context, eventName string, at time.Time) (int64, error) {
	if err := common.ValidateSegment("event", eventName); err != nil {
		return 0, err
	}
	return a.counter.Value(ctx, common.AnalyticsDailyPath(eventName, at.UTC().Format(DayFormat)))
}
