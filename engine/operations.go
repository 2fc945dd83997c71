package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/counter"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/presence"
	"github.com/maxpert/syncbridge/primary"
	"github.com/rs/zerolog/log"
)

// Order document fields written by UpdateOrderStatus
const (
	OrderStatusField    = "status"
	OrderStatusByField  = "statusUpdatedBy"
	OrderStatusAtField  = "statusUpdatedAt"
	OrderStatusMaxBytes = 64
)

// ApplyCounterDelta adds delta to the counter at address. Counters under the
// inventory namespace are floored at zero and may raise a low-stock event;
// all others are unclamped.
func (e *Engine) ApplyCounterDelta(ctx context.Context, caller common.Caller, address string, delta int64) (counter.Result, error) {
	if err := e.guard(ctx, caller, ActionCounterApply, address); err != nil {
		return counter.Result{}, err
	}
	if err := common.ValidatePath(address); err != nil {
		return counter.Result{}, err
	}

	segments := common.SplitPath(address)
	if len(segments) == 2 && segments[0] == common.NamespaceInventory {
		return e.adjustInventory(ctx, segments[1], delta)
	}
	return e.counter.Apply(ctx, address, delta, counter.Unclamped())
}

// AdjustInventory applies delta to a product stock counter
func (e *Engine) AdjustInventory(ctx context.Context, caller common.Caller, productID string, delta int64) (counter.Result, error) {
	if err := e.guard(ctx, caller, ActionInventory, productID); err != nil {
		return counter.Result{}, err
	}
	return e.adjustInventory(ctx, productID, delta)
}

func (e *Engine) adjustInventory(ctx context.Context, productID string, delta int64) (counter.Result, error) {
	res, crossed, err := e.inventory.Adjust(ctx, productID, delta)
	if err != nil {
		return res, err
	}
	if crossed {
		_, perr := e.fanout.Publish(ctx, common.Event{
			Kind:      common.KindLowStock,
			SubjectID: productID,
			Data: common.Payload{
				"productId": productID,
				"stock":     res.Value,
				"threshold": e.inventory.LowThreshold(),
			},
		})
		if perr != nil {
			log.Warn().Err(perr).Str("product", productID).Int64("stock", res.Value).Msg("Failed to publish low stock event")
		}
	}
	return res, nil
}

// TrackEvent increments the analytics counters of eventName for the current day
func (e *Engine) TrackEvent(ctx context.Context, caller common.Caller, eventName string) (int64, error) {
	if err := e.guard(ctx, caller, ActionAnalyticsTrack, eventName); err != nil {
		return 0, err
	}
	return e.analytics.Track(ctx, eventName, time.Now())
}

// SetPresence records the caller's live state on conn and re-arms its offline hook
func (e *Engine) SetPresence(ctx context.Context, caller common.Caller, conn *mirror.Conn, state presence.State) (presence.Record, error) {
	if err := e.guard(ctx, caller, ActionPresenceSet, caller.Identity); err != nil {
		return presence.Record{}, err
	}
	if conn == nil {
		return presence.Record{}, common.Invalid("connection", caller.Identity, "is required")
	}
	rec, err := e.presence.SetPresence(ctx, conn, caller.Identity, state)
	if err != nil {
		return rec, err
	}

	// The live record is authoritative; the event is a notification
	if _, err := e.fanout.Publish(ctx, common.Event{
		Kind:      common.KindPresenceState,
		SubjectID: rec.Identity,
		Data: common.Payload{
			"identity":      rec.Identity,
			"state":         string(rec.State),
			"lastChangedAt": rec.LastChangedAt,
		},
	}); err != nil {
		log.Warn().Err(err).Str("identity", rec.Identity).Msg("Failed to publish presence change")
	}
	return rec, nil
}

// Presence returns the live state of identity; unknown identities are offline
func (e *Engine) Presence(ctx context.Context, identity string) (presence.Record, error) {
	return e.presence.Get(ctx, identity)
}

// UpdateOrderStatus writes the status of an existing order to the primary
// store. The bridge mirrors it and emits the orders.updated event.
func (e *Engine) UpdateOrderStatus(ctx context.Context, caller common.Caller, orderID, status string, extra common.Payload) (primary.Document, error) {
	if err := e.guard(ctx, caller, ActionOrderUpdate, orderID); err != nil {
		return primary.Document{}, err
	}
	if err := common.ValidateSegment("order", orderID); err != nil {
		return primary.Document{}, err
	}
	if status == "" || len(status) > OrderStatusMaxBytes {
		return primary.Document{}, common.Invalid("status", status, fmt.Sprintf("must be 1-%d bytes", OrderStatusMaxBytes))
	}

	if _, err := e.primary.Get(ctx, common.CollectionOrders, orderID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return primary.Document{}, fmt.Errorf("order %s: %w", orderID, err)
		}
		return primary.Document{}, common.Transient("load order", err)
	}

	fields := extra.Clone()
	if fields == nil {
		fields = common.Payload{}
	}
	fields[OrderStatusField] = status
	fields[OrderStatusByField] = caller.Identity
	fields[OrderStatusAtField] = time.Now().UnixMilli()

	doc, err := e.primary.Merge(ctx, common.CollectionOrders, orderID, fields, common.OriginPrimary)
	if err != nil {
		return primary.Document{}, err
	}
	return doc, nil
}
