package mirror

import (
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/hlc"
)

// ServerValue is a placeholder resolved by the store at write time
type ServerValue string

// ServerTimestamp resolves to the store clock in unix milliseconds
const ServerTimestamp ServerValue = ".sv/timestamp"

// Node is one addressable node of the tree
type Node struct {
	Data       common.Payload `msgpack:"d"`
	Origin     common.Origin  `msgpack:"o"`
	MirroredAt hlc.Timestamp  `msgpack:"t"`
	Version    uint64         `msgpack:"v"` // Bumped on every write, starts at 1
	Seq        uint64         `msgpack:"s"` // Primary change seq that produced the node, 0 if none
}

// Exists reports whether the node was found
func (n Node) Exists() bool {
	return n.Version > 0
}

func (n Node) clone() Node {
	n.Data = n.Data.Clone()
	return n
}

// Write is the content of a node write
type Write struct {
	Data   common.Payload
	Origin common.Origin
	Seq    uint64
}

// Child is a direct child of a node
type Child struct {
	Key  string
	Node Node
}

// EventType classifies child events
type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventChanged
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a write commits. For removals Node
// holds the last stored version.
type Event struct {
	Type EventType
	Path string
	Node Node
}

// resolveServerValues replaces ServerTimestamp placeholders, including inside
// nested maps, with ms.
func resolveServerValues(data common.Payload, ms int64) common.Payload {
	if data == nil {
		return nil
	}
	out := make(common.Payload, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, ms)
	}
	return out
}

func resolveValue(v any, ms int64) any {
	switch t := v.(type) {
	case ServerValue:
		if t == ServerTimestamp {
			return ms
		}
		return string(t)
	case common.Payload:
		return map[string]any(resolveServerValues(t, ms))
	case map[string]any:
		return map[string]any(resolveServerValues(t, ms))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = resolveValue(x, ms)
		}
		return out
	}
	return v
}
