package common

import "fmt"

// Payload is an opaque, schema-less document snapshot. Values are whatever the
// stores decode (strings, numbers, bools, nested maps and slices).
type Payload map[string]any

// Clone returns a shallow copy of the payload. Nested values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Origin tags who last wrote a node. The zero value is not
// OriginPrimary, so an untagged write counts as external.
type Origin uint8

const (
	OriginUnknown  Origin = 0
	OriginPrimary  Origin = 1
	OriginExternal Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginPrimary:
		return "primary"
	case OriginExternal:
		return "external"
	default:
		return "unknown"
	}
}

// IsPrimary reports whether the write came from the engine itself.
func (o Origin) IsPrimary() bool {
	return o == OriginPrimary
}

// ChangeType is the kind of mutation observed on a watched collection
type ChangeType uint8

const (
	ChangeCreated ChangeType = 1
	ChangeUpdated ChangeType = 2
	ChangeRemoved ChangeType = 3
)

func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("change(%d)", uint8(c))
	}
}

// ChangeRecord is one observed mutation on a primary-store collection.
// ObservedAt is the primary store's per-collection sequence number and defines
// the happens-before order within a collection. CommittedAt is the HLC stamp of
// the write, used for last-writer-wins comparisons against mirror timestamps.
type ChangeRecord struct {
	CollectionID string
	EntityID     string
	ChangeType   ChangeType
	Payload      Payload
	ObservedAt   uint64
	Origin       Origin
	CommittedAt  uint64
	// DecodeErr is set when the stored payload could not be decoded. The
	// record still carries its seq so consumers can move past it.
	DecodeErr error
}

// Event is an append-only record of a significant occurrence.
type Event struct {
	Seq       uint64  `msgpack:"seq" json:"seq"`
	Kind      string  `msgpack:"kind" json:"kind"`
	SubjectID string  `msgpack:"subject" json:"subjectId"`
	Data      Payload `msgpack:"data" json:"data,omitempty"`
	CreatedAt int64   `msgpack:"ts" json:"createdAt"` // unix ms
}

// Well-known event kinds
const (
	KindChatSent      = "chat.sent"
	KindOrderUpdated  = "orders.updated"
	KindLowStock      = "inventory.low_stock"
	KindPresenceState = "presence.changed"
)

// Caller is the authenticated identity attached to an inbound mutation by the
// API layer. The engine does not authenticate callers itself.
type Caller struct {
	Identity string
	Role     string
}
