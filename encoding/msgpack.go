// Package encoding provides centralized serialization for syncbridge.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: every exported function is safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode as
// Go strings (not []byte), so documents read back from either store compare
// equal to the payload that was written.
package encoding

import (
	"bytes"
	"math"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

type encoderPoolEntry struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		e := &encoderPoolEntry{}
		e.enc = msgpack.NewEncoder(&e.buf)
		// Sorted keys and compact numbers make equal documents encode to equal bytes
		e.enc.SetSortMapKeys(true)
		e.enc.UseCompactInts(true)
		e.enc.UseCompactFloats(true)
		return e
	},
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	entry := encoderPool.Get().(*encoderPoolEntry)
	defer encoderPool.Put(entry)
	entry.buf.Reset()

	if err := entry.enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, entry.buf.Len())
	copy(out, entry.buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding. Integers
// decoded into interface{} values come back as int64.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return err
	}

	switch t := v.(type) {
	case *interface{}:
		*t = Normalize(*t)
	case *map[string]interface{}:
		Normalize(*t)
	}
	return nil
}

// Normalize rewrites unsigned integers that fit into int64, in place for maps
// and slices, so every decoded integer has a single Go type.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
	case map[string]interface{}:
		for k, x := range t {
			t[k] = Normalize(x)
		}
	case []interface{}:
		for i, x := range t {
			t[i] = Normalize(x)
		}
	}
	return v
}

// Equal reports whether two values have the same canonical msgpack encoding.
func Equal(a, b interface{}) bool {
	ab, err := Marshal(a)
	if err != nil {
		return false
	}
	bb, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
