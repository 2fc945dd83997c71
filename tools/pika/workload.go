package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/presence"
)

type OpType int

const (
	OpChat OpType = iota
	OpInventory
	OpAnalytics
	OpOrder
	OpPresence

	numOpTypes
)

func (o OpType) String() string {
	switch o {
	case OpChat:
		return "CHAT"
	case OpInventory:
		return "INVENTORY"
	case OpAnalytics:
		return "ANALYTICS"
	case OpOrder:
		return "ORDER"
	case OpPresence:
		return "PRESENCE"
	default:
		return "UNKNOWN"
	}
}

var (
	orderStatuses  = []string{"paid", "packed", "shipped", "delivered"}
	analyticsNames = []string{"page_view", "add_to_cart", "checkout"}
	presenceStates = []presence.State{presence.Online, presence.Away, presence.Online}
)

func productKey(n int) string { return fmt.Sprintf("prod_%06d", n) }
func orderKey(n int) string   { return fmt.Sprintf("ord_%06d", n) }
func chatKey(n int) string    { return fmt.Sprintf("chat_%04d", n) }

// KeySpace picks targets among the loaded entities.
// rng must be provided by caller (each worker has its own rng).
type KeySpace struct {
	products int
	orders   int
	chats    int
}

func (k KeySpace) Product(rng *rand.Rand) string { return productKey(rng.Intn(max(k.products, 1)) + 1) }
func (k KeySpace) Order(rng *rand.Rand) string   { return orderKey(rng.Intn(max(k.orders, 1)) + 1) }
func (k KeySpace) Chat(rng *rand.Rand) string    { return chatKey(rng.Intn(max(k.chats, 1)) + 1) }

// Operation represents a single engine call.
type Operation struct {
	Type   OpType
	Target string
	Text   string
	Delta  int64
	Status string
	State  presence.State
}

// Engine is the subset of the sync engine the workload drives
type Engine interface {
	SendChatMessage(ctx context.Context, caller common.Caller, chatID, senderID, text string) error
	AdjustInventory(ctx context.Context, caller common.Caller, productID string, delta int64) error
	TrackEvent(ctx context.Context, caller common.Caller, eventName string) error
	UpdateOrderStatus(ctx context.Context, caller common.Caller, orderID, status string) error
	SetPresence(ctx context.Context, caller common.Caller, conn *mirror.Conn, state presence.State) error
}

// OpSelector selects operations based on workload distribution.
type OpSelector struct {
	thresholds [numOpTypes]int // Cumulative thresholds for each op type
	rng        *rand.Rand
}

// NewOpSelector creates an operation selector.
func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{rng: rand.New(rand.NewSource(seed))}

	// Build cumulative thresholds
	s.thresholds[OpChat] = dist.Chat
	s.thresholds[OpInventory] = s.thresholds[OpChat] + dist.Inventory
	s.thresholds[OpAnalytics] = s.thresholds[OpInventory] + dist.Analytics
	s.thresholds[OpOrder] = s.thresholds[OpAnalytics] + dist.Order
	s.thresholds[OpPresence] = s.thresholds[OpOrder] + dist.Presence

	return s
}

// Select returns a random operation type based on distribution.
func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)
	for op := OpChat; op < numOpTypes; op++ {
		if r < s.thresholds[op] {
			return op
		}
	}
	return OpPresence
}

// generateText generates a random chat message body.
func generateText(rng *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyz ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 20+rng.Intn(80))
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return string(b)
}

// NewOperation fills in a random operation of the given type.
func NewOperation(opType OpType, keys KeySpace, rng *rand.Rand) Operation {
	op := Operation{Type: opType}
	switch opType {
	case OpChat:
		op.Target = keys.Chat(rng)
		op.Text = generateText(rng)
	case OpInventory:
		op.Target = keys.Product(rng)
		op.Delta = int64(rng.Intn(9) - 5) // -5..3, drains stock over time
		if op.Delta == 0 {
			op.Delta = 1
		}
	case OpAnalytics:
		op.Target = analyticsNames[rng.Intn(len(analyticsNames))]
	case OpOrder:
		op.Target = keys.Order(rng)
		op.Status = orderStatuses[rng.Intn(len(orderStatuses))]
	case OpPresence:
		op.State = presenceStates[rng.Intn(len(presenceStates))]
	}
	return op
}

// ExecuteOp executes a single operation as caller.
func ExecuteOp(ctx context.Context, eng Engine, caller common.Caller, conn *mirror.Conn, op Operation) error {
	switch op.Type {
	case OpChat:
		return eng.SendChatMessage(ctx, caller, op.Target, caller.Identity, op.Text)
	case OpInventory:
		return eng.AdjustInventory(ctx, caller, op.Target, op.Delta)
	case OpAnalytics:
		return eng.TrackEvent(ctx, caller, op.Target)
	case OpOrder:
		return eng.UpdateOrderStatus(ctx, caller, op.Target, op.Status)
	case OpPresence:
		return eng.SetPresence(ctx, caller, conn, op.State)
	default:
		return fmt.Errorf("unknown operation type: %v", op.Type)
	}
}

// ErrorCategory groups failures for the final report
type ErrorCategory int

const (
	ErrCatOther ErrorCategory = iota
	ErrCatConflict
	ErrCatRateLimited
	ErrCatNotFound
	ErrCatValidation
	ErrCatTransient

	numErrCategories
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCatConflict:
		return "conflict"
	case ErrCatRateLimited:
		return "rate_limited"
	case ErrCatNotFound:
		return "not_found"
	case ErrCatValidation:
		return "validation"
	case ErrCatTransient:
		return "transient"
	default:
		return "other"
	}
}

// ClassifyError maps an engine error to its category.
func ClassifyError(err error) ErrorCategory {
	switch {
	case errors.Is(err, common.ErrWriteConflict), errors.Is(err, common.ErrRetryExhausted):
		return ErrCatConflict
	case errors.Is(err, common.ErrRateLimited):
		return ErrCatRateLimited
	case errors.Is(err, common.ErrNotFound):
		return ErrCatNotFound
	case errors.Is(err, common.ErrValidation):
		return ErrCatValidation
	case common.IsRetryable(err):
		return ErrCatTransient
	default:
		return ErrCatOther
	}
}
