package hlc

import (
	"sync"
	"time"
)

// Clock is a Hybrid Logical Clock. The low-latency store uses it as its
// server-clock primitive and the engine compares its packed stamps to decide
// last-writer-wins races between the two stores.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // logical resets when the millisecond changes
	mu       sync.Mutex
	now      func() time.Time
}

// Timestamp is a point in time across the process and its peers
type Timestamp struct {
	WallTime int64  `msgpack:"w"`
	Logical  int32  `msgpack:"l"`
	NodeID   uint64 `msgpack:"n"`
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	return newClockWithSource(nodeID, time.Now)
}

func newClockWithSource(nodeID uint64, now func() time.Time) *Clock {
	n := now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: n,
		lastMS:   n / 1_000_000,
		now:      now,
	}
}

// MaxLogical is the maximum value for the logical counter within one millisecond
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Packed stamps carry 16 bits of logical, so it must reset per millisecond
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		n := c.now().UnixNano()
		nowMS := n / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = n
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update merges a timestamp observed from elsewhere and returns the new local time
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}
	maxWallMS := maxWall / 1_000_000

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow:
		if maxWallMS > c.lastMS {
			c.logical = 0
		} else {
			c.logical++
		}
	default:
		c.logical++
	}

	c.wallTime = maxWall
	c.lastMS = maxWallMS

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		n := c.now().UnixNano()
		nowMS := n / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = n
			c.lastMS = nowMS
			c.logical = 1
			break
		}
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime < b.WallTime:
		return -1
	case a.WallTime > b.WallTime:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// PhysicalTime returns the physical component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// UnixMilli returns the physical component in milliseconds
func (t Timestamp) UnixMilli() int64 {
	return t.WallTime / 1_000_000
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// LogicalBits is the number of bits reserved for the logical counter in stamps.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the node ID in stamps.
const NodeIDBits = 6

// NodeIDMask masks the node ID to 6 bits
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is how far the millisecond wall time is shifted
const TotalShiftBits = NodeIDBits + LogicalBits

// Stamp packs the timestamp into a single ordered uint64:
//
//	(physical_ms << 22) | (node_id << 16) | logical
//
// Stamps from the same clock are strictly increasing, and stamps from
// different clocks order by millisecond first. The primary store persists
// stamps as plain integers so both stores can be compared without decoding.
func (t Timestamp) Stamp() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}

// StampMilli extracts the unix millisecond component of a packed stamp
func StampMilli(stamp uint64) int64 {
	return int64(stamp >> TotalShiftBits)
}
