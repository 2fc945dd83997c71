package main

import (
	"context"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/engine"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/presence"
)

// engineAdapter drops results the benchmark does not inspect
type engineAdapter struct {
	e *engine.Engine
}

func (a engineAdapter) SendChatMessage(ctx context.Context, caller common.Caller, chatID, senderID, text string) error {
	_, err := a.e.SendChatMessage(ctx, caller, chatID, senderID, text)
	return err
}

func (a engineAdapter) AdjustInventory(ctx context.Context, caller common.Caller, productID string, delta int64) error {
	_, err := a.e.AdjustInventory(ctx, caller, productID, delta)
	return err
}

func (a engineAdapter) TrackEvent(ctx context.Context, caller common.Caller, eventName string) error {
	_, err := a.e.TrackEvent(ctx, caller, eventName)
	return err
}

func (a engineAdapter) UpdateOrderStatus(ctx context.Context, caller common.Caller, orderID, status string) error {
	_, err := a.e.UpdateOrderStatus(ctx, caller, orderID, status, nil)
	return err
}

func (a engineAdapter) SetPresence(ctx context.Context, caller common.Caller, conn *mirror.Conn, state presence.State) error {
	_, err := a.e.SetPresence(ctx, caller, conn, state)
	return err
}
