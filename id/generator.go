package id

import "github.com/maxpert/syncbridge/hlc"

// Generator provides unique, roughly time-ordered IDs.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates unique IDs using the Hybrid Logical Clock.
// Thread-safe via HLC's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit ID.
// See hlc.Timestamp.Stamp for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().Stamp()
}

// PushKey returns a child key that sorts lexicographically in creation order.
func (g *HLCGenerator) PushKey() string {
	return EncodeKey(g.NextID())
}

// pushChars is in ascending ASCII order so encoded keys sort like the integers.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushKeyLen is the fixed width of an encoded key (11 * 6 bits >= 64 bits).
const PushKeyLen = 11

// EncodeKey renders id as a fixed-width, order-preserving key.
func EncodeKey(id uint64) string {
	var buf [PushKeyLen]byte
	for i := PushKeyLen - 1; i >= 0; i-- {
		buf[i] = pushChars[id&0x3f]
		id >>= 6
	}
	return string(buf[:])
}

// DecodeKey reverses EncodeKey. ok is false for keys not produced by EncodeKey.
func DecodeKey(key string) (id uint64, ok bool) {
	if len(key) != PushKeyLen {
		return 0, false
	}
	for i := 0; i < PushKeyLen; i++ {
		v := indexOf(key[i])
		if v < 0 {
			return 0, false
		}
		id = id<<6 | uint64(v)
	}
	return id, true
}

func indexOf(c byte) int {
	switch {
	case c == '-':
		return 0
	case c >= '0' && c <= '9':
		return int(c-'0') + 1
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 11
	case c == '_':
		return 37
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 38
	}
	return -1
}
