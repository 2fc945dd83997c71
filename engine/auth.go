package engine

import (
	"context"
	"fmt"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/ratelimit"
)

// Action names a guarded mutation
type Action string

const (
	ActionCounterApply   Action = "counter.apply"
	ActionInventory      Action = "inventory.adjust"
	ActionAnalyticsTrack Action = "analytics.track"
	ActionPresenceSet    Action = "presence.set"
	ActionChatSend       Action = "chat.send"
	ActionChatJoin       Action = "chat.join"
	ActionChatRead       Action = "chat.read"
	ActionOrderUpdate    Action = "orders.update"
)

// Authorizer is the capability check owned by the API layer. Implementations
// return an error wrapping common.ErrForbidden to deny.
type Authorizer interface {
	Authorize(ctx context.Context, caller common.Caller, action Action, resource string) error
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, caller common.Caller, action Action, resource string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller common.Caller, action Action, resource string) error {
	return f(ctx, caller, action, resource)
}

// AllowAll grants every capability
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, common.Caller, Action, string) error { return nil })
}

// Forbid builds the standard denial error
func Forbid(caller common.Caller, action Action, resource string) error {
	return fmt.Errorf("%w: %s (%s) may not %s %s", common.ErrForbidden, caller.Identity, caller.Role, action, resource)
}

// guard runs the rate limiter, then the capability check
func (e *Engine) guard(ctx context.Context, caller common.Caller, action Action, resource string) error {
	if err := common.ValidateSegment("identity", caller.Identity); err != nil {
		return err
	}
	role := caller.Role
	if role == "" {
		role = ratelimit.RoleGuest
	}

	if !e.limiter.Allow(caller.Identity, role) {
		return fmt.Errorf("%w: %s exceeded %d calls per window", common.ErrRateLimited, caller.Identity, e.limiter.Threshold(role))
	}

	if err := e.auth.Authorize(ctx, caller, action, resource); err != nil {
		return err
	}
	return nil
}
