package id

import (
	"sort"
	"sync"
	"testing"

	"github.com/maxpert/syncbridge/hlc"
)

func TestHLCGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	var prev uint64
	for i := 0; i < 1000; i++ {
		id := gen.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		prev = id
	}
}

func TestHLCGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[uint64]bool)
	for id := range idsChan {
		if seen[id] {
			t.Fatalf("duplicate ID in concurrent test: %d", id)
		}
		seen[id] = true
	}
}

func TestPushKey_SortsInCreationOrder(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(4))

	keys := make([]string, 500)
	for i := range keys {
		keys[i] = gen.PushKey()
		if len(keys[i]) != PushKeyLen {
			t.Fatalf("unexpected key width %d for %q", len(keys[i]), keys[i])
		}
	}

	if !sort.StringsAreSorted(keys) {
		t.Fatal("push keys are not lexicographically ordered")
	}
}

func TestEncodeKey_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 63, 64, 1 << 40, ^uint64(0)} {
		got, ok := DecodeKey(EncodeKey(v))
		if !ok || got != v {
			t.Fatalf("round trip of %d gave %d (ok=%v)", v, got, ok)
		}
	}

	if EncodeKey(5) >= EncodeKey(6) || EncodeKey(63) >= EncodeKey(64) {
		t.Fatal("encoded keys do not preserve integer order")
	}

	if _, ok := DecodeKey("short"); ok {
		t.Fatal("expected short key to be rejected")
	}
	if _, ok := DecodeKey("abc!defghij"); ok {
		t.Fatal("expected invalid character to be rejected")
	}
}

func BenchmarkHLCGenerator_PushKey(b *testing.B) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gen.PushKey()
	}
}
