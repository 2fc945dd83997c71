// Package presence tracks per-identity online/away/offline state in the
// mirror, with a disconnect hook that falls back to offline and a
// best-effort projection into the primary store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

// State of an identity
type State string

const (
	Online  State = "online"
	Away    State = "away"
	Offline State = "offline"
)

// ParseState validates s
func ParseState(s string) (State, error) {
	switch State(s) {
	case Online, Away, Offline:
		return State(s), nil
	}
	return "", common.Invalid("state", s, "must be online, away or offline")
}

// Fields of the ephemeral and durable records
const (
	StateField         = "state"
	LastChangedAtField = "lastChangedAt"
	OnlineStatusField  = "onlineStatus"
	LastSeenField      = "lastSeen"
)

const DefaultTimeout = 5 * time.Second

// Record is the ephemeral presence of an identity
type Record struct {
	Identity      string
	State         State
	LastChangedAt int64 // unix ms, server clock
	Origin        common.Origin
}

// Mirror is the low-latency store holding presence records
type Mirror interface {
	Set(ctx context.Context, path string, w mirror.Write) (mirror.Node, error)
	Get(ctx context.Context, path string) (mirror.Node, error)
	Subscribe(prefix string, fn func(mirror.Event)) (func(), error)
}

// Documents receives the durable projection
type Documents interface {
	Merge(ctx context.Context, collection, id string, fields common.Payload, origin common.Origin) (primary.Document, error)
}

// Hooks arms a write that runs when a connection terminates abnormally.
// *mirror.Conn implements it.
type Hooks interface {
	OnDisconnect(path string, w mirror.Write) error
}

// Options configures the tracker
type Options struct {
	DurableCollection string
	Timeout           time.Duration
}

// Tracker implements presence
type Tracker struct {
	mirror Mirror
	docs   Documents
	opts   Options

	mu      sync.Mutex
	unwatch func()
}

// New creates a tracker
func New(m Mirror, docs Documents, opts Options) *Tracker {
	if opts.DurableCollection == "" {
		opts.DurableCollection = common.CollectionUsers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Tracker{mirror: m, docs: docs, opts: opts}
}

func offlineWrite() mirror.Write {
	return mirror.Write{
		Data: common.Payload{
			StateField:         string(Offline),
			LastChangedAtField: mirror.ServerTimestamp,
		},
		Origin: common.OriginExternal,
	}
}

// SetPresence moves identity to state. Every call re-arms the offline
// disconnect hook on conn before writing, so the hook never goes stale.
// Failure to update the durable projection is logged, not returned.
func (t *Tracker) SetPresence(ctx context.Context, conn Hooks, identity string, state State) (Record, error) {
	if err := common.ValidateSegment("identity", identity); err != nil {
		return Record{}, err
	}
	if _, err := ParseState(string(state)); err != nil {
		return Record{}, err
	}
	if conn == nil {
		return Record{}, common.Invalid("connection", identity, "is required")
	}

	path := common.StatusPath(identity)
	if err := conn.OnDisconnect(path, offlineWrite()); err != nil {
		return Record{}, fmt.Errorf("arm disconnect hook for %s: %w", identity, err)
	}

	wctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	n, err := t.mirror.Set(wctx, path, mirror.Write{
		Data: common.Payload{
			StateField:         string(state),
			LastChangedAtField: mirror.ServerTimestamp,
		},
		Origin: common.OriginPrimary,
	})
	cancel()
	if err != nil {
		return Record{}, common.Transient("presence write", err)
	}
	telemetry.PresenceUpdatesTotal.With(string(state)).Inc()

	rec := recordFromNode(identity, n)
	t.project(ctx, rec)

	log.Debug().Str("identity", identity).Str("state", string(state)).Msg("Presence updated")
	return rec, nil
}

// Get returns the presence of identity. Identities without a record are offline.
func (t *Tracker) Get(ctx context.Context, identity string) (Record, error) {
	if err := common.ValidateSegment("identity", identity); err != nil {
		return Record{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	n, err := t.mirror.Get(ctx, common.StatusPath(identity))
	if errors.Is(err, common.ErrNotFound) {
		return Record{Identity: identity, State: Offline}, nil
	}
	if err != nil {
		return Record{}, err
	}
	return recordFromNode(identity, n), nil
}

// Watch projects presence writes that did not come from SetPresence, such as
// fired disconnect hooks, into the durable store. Calling it again is a no-op.
func (t *Tracker) Watch() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unwatch != nil {
		return nil
	}

	unsub, err := t.mirror.Subscribe(common.NamespaceStatus, func(ev mirror.Event) {
		if ev.Type == mirror.EventRemoved || ev.Node.Origin.IsPrimary() {
			return
		}
		_, identity := common.ParentAndKey(ev.Path)
		if ev.Path != common.StatusPath(identity) {
			return
		}
		rec := recordFromNode(identity, ev.Node)
		telemetry.PresenceUpdatesTotal.With(string(rec.State)).Inc()
		t.project(context.Background(), rec)
	})
	if err != nil {
		return err
	}
	t.unwatch = unsub
	return nil
}

// Stop ends the watch started by Watch. It is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unwatch := t.unwatch
	t.unwatch = nil
	t.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
}

func (t *Tracker) project(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	_, err := t.docs.Merge(ctx, t.opts.DurableCollection, rec.Identity, common.Payload{
		OnlineStatusField: string(rec.State),
		LastSeenField:     rec.LastChangedAt,
	}, common.OriginPrimary)
	if err != nil {
		telemetry.DurableMirrorFailuresTotal.Inc()
		log.Warn().
			Err(err).
			Str("identity", rec.Identity).
			Str("state", string(rec.State)).
			Msg("Durable presence projection failed")
	}
}

func recordFromNode(identity string, n mirror.Node) Record {
	rec := Record{Identity: identity, State: Offline, Origin: n.Origin}
	if s, ok := n.Data[StateField].(string); ok {
		if st, err := ParseState(s); err == nil {
			rec.State = st
		}
	}
	if ms, ok := encoding.ToInt64(n.Data[LastChangedAtField]); ok {
		rec.LastChangedAt = ms
	} else {
		rec.LastChangedAt = n.MirroredAt.UnixMilli()
	}
	return rec
}
