// Package mirror implements the low-latency tree store: slash-addressed nodes
// in Pebble with single-node compare-and-set transactions, a server clock,
// lossless child-event subscriptions and connection-scoped disconnect hooks.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/id"
	"github.com/maxpert/syncbridge/notify"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

const nodePrefix = "n/"

// lockStripes must be a power of two
const lockStripes = 256

// Pebble configuration constants
const (
	memTableSize                = 32 << 20 // 32MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const (
	DefaultCacheSize         = 4096
	DefaultConnectionTimeout = 60 * time.Second
	DefaultReapInterval      = 10 * time.Second
)

// Options configures the mirror store
type Options struct {
	Dir                  string
	Clock                *hlc.Clock
	CacheSize            int
	CompressionThreshold int
	CompressionLevel     int
	ConnectionTimeout    time.Duration
	ReapInterval         time.Duration
}

// Store is the low-latency tree store
type Store struct {
	db    *pebble.DB
	clock *hlc.Clock
	keys  *id.HLCGenerator
	codec *encoding.Codec
	cache *lru.Cache[string, Node]
	feed  *notify.Feed[Event]
	opts  Options

	// Single-node writes hold treeMu shared plus their stripe; subtree removal holds treeMu exclusively
	treeMu  sync.RWMutex
	stripes [lockStripes]sync.Mutex

	connsMu sync.Mutex
	conns   map[string]*Conn

	stopCh  chan struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
	closed  atomic.Bool
}

// Open opens or creates a mirror store
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}

	codec, err := encoding.NewCodec(opts.CompressionThreshold, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, Node](opts.CacheSize)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}

	db, err := pebble.Open(opts.Dir, &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	})
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("failed to open mirror store at %s: %w", opts.Dir, err)
	}

	s := &Store{
		db:     db,
		clock:  opts.Clock,
		keys:   id.NewHLCGenerator(opts.Clock),
		codec:  codec,
		cache:  cache,
		feed:   notify.NewFeed[Event](),
		opts:   opts,
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.reapLoop()

	return s, nil
}

// Close fires the disconnect hooks of every open connection, stops all
// subscriptions and closes Pebble.
func (s *Store) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	close(s.stopCh)
	s.wg.Wait()

	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Drop()
	}

	// Wait for in-flight writers
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	s.closed.Store(true)

	s.feed.Close()
	s.codec.Close()
	return s.db.Close()
}

// Clock returns the server clock of the store
func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

// Now returns the server clock in unix milliseconds
func (s *Store) Now() int64 {
	return s.clock.Now().UnixMilli()
}

func nodeKey(path string) []byte {
	return []byte(nodePrefix + path)
}

func subtreeBounds(path string) ([]byte, []byte) {
	// '0' is the byte after '/'
	return []byte(nodePrefix + path + "/"), []byte(nodePrefix + path + "0")
}

func (s *Store) stripe(path string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(path)&(lockStripes-1)]
}

// Get returns the node at path or common.ErrNotFound
func (s *Store) Get(ctx context.Context, path string) (Node, error) {
	if err := common.ValidatePath(path); err != nil {
		return Node{}, err
	}
	if err := ctx.Err(); err != nil {
		return Node{}, common.Transient("mirror get", err)
	}

	s.treeMu.RLock()
	n, err := s.read(path, false)
	s.treeMu.RUnlock()
	if err != nil {
		return Node{}, err
	}
	if !n.Exists() {
		return Node{}, fmt.Errorf("%s: %w", path, common.ErrNotFound)
	}
	return n.clone(), nil
}

// read loads the node at path. Only callers holding the path's stripe (or
// treeMu exclusively) may pass fill=true: an unlocked reader that fills the
// cache can overwrite a newer version committed after its Pebble read.
func (s *Store) read(path string, fill bool) (Node, error) {
	if s.closed.Load() {
		return Node{}, common.ErrClosed
	}
	if n, ok := s.cache.Get(path); ok {
		return n, nil
	}

	val, closer, err := s.db.Get(nodeKey(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return Node{}, nil
	}
	if err != nil {
		return Node{}, common.Transient("mirror read", err)
	}
	defer closer.Close()

	n, err := s.decode(val)
	if err != nil {
		return Node{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if fill {
		s.cache.Add(path, n)
	}
	return n, nil
}

func (s *Store) decode(val []byte) (Node, error) {
	var n Node
	if err := s.codec.Unpack(val, &n); err != nil {
		return Node{}, err
	}
	encoding.Normalize(map[string]interface{}(n.Data))
	return n, nil
}

// Set overwrites the node at path
func (s *Store) Set(ctx context.Context, path string, w Write) (Node, error) {
	if w.Data == nil {
		return Node{}, common.Invalid("data", path, "must not be nil")
	}
	return s.write(ctx, "set", path, 0, false, func(Node) (common.Payload, error) {
		return w.Data, nil
	}, w)
}

// Update merges top-level fields into the node at path, creating it if absent.
// A nil field value removes that field.
func (s *Store) Update(ctx context.Context, path string, w Write) (Node, error) {
	return s.write(ctx, "update", path, 0, false, func(cur Node) (common.Payload, error) {
		merged := cur.Data.Clone()
		if merged == nil {
			merged = common.Payload{}
		}
		for k, v := range w.Data {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return merged, nil
	}, w)
}

// CompareAndSet writes the node only if its version still equals
// expectedVersion (0 means the node must not exist). It returns
// common.ErrWriteConflict when another writer got there first.
func (s *Store) CompareAndSet(ctx context.Context, path string, expectedVersion uint64, w Write) (Node, error) {
	if w.Data == nil {
		return Node{}, common.Invalid("data", path, "must not be nil")
	}
	return s.write(ctx, "cas", path, expectedVersion, true, func(Node) (common.Payload, error) {
		return w.Data, nil
	}, w)
}

// Transaction runs one read-compute-conditional-write attempt on a single
// node. fn receives a copy of the current node (zero when absent) and returns
// the write, or abort=true to leave the node untouched. A concurrent writer
// surfaces as common.ErrWriteConflict; callers own the retry policy.
func (s *Store) Transaction(ctx context.Context, path string, fn func(cur Node) (w Write, abort bool, err error)) (Node, bool, error) {
	if err := common.ValidatePath(path); err != nil {
		return Node{}, false, err
	}

	s.treeMu.RLock()
	cur, err := s.read(path, false)
	s.treeMu.RUnlock()
	if err != nil {
		return Node{}, false, err
	}

	w, abort, err := fn(cur.clone())
	if err != nil {
		return Node{}, false, err
	}
	if abort {
		return cur.clone(), false, nil
	}

	n, err := s.CompareAndSet(ctx, path, cur.Version, w)
	if err != nil {
		return Node{}, false, err
	}
	return n, true, nil
}

// Push writes a new child under parent with a time-ordered key
func (s *Store) Push(ctx context.Context, parent string, w Write) (string, Node, error) {
	if err := common.ValidatePath(parent); err != nil {
		return "", Node{}, err
	}
	key := s.keys.PushKey()
	n, err := s.Set(ctx, common.JoinPath(parent, key), w)
	if err != nil {
		return "", Node{}, err
	}
	return key, n, nil
}

type computeFn func(cur Node) (common.Payload, error)

func (s *Store) write(ctx context.Context, op, path string, expected uint64, conditional bool, compute computeFn, w Write) (Node, error) {
	if err := common.ValidatePath(path); err != nil {
		return Node{}, err
	}
	if err := ctx.Err(); err != nil {
		return Node{}, common.Transient("mirror "+op, err)
	}

	start := time.Now()
	defer func() {
		telemetry.ObserveSince(telemetry.MirrorWriteSeconds.With(op), start)
	}()

	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	if s.closed.Load() {
		return Node{}, common.ErrClosed
	}

	mu := s.stripe(path)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.read(path, true)
	if err != nil {
		return Node{}, err
	}
	if conditional && cur.Version != expected {
		return Node{}, fmt.Errorf("%s: version %d, expected %d: %w", path, cur.Version, expected, common.ErrWriteConflict)
	}

	data, err := compute(cur.clone())
	if err != nil {
		return Node{}, err
	}

	ts := s.clock.Now()
	next := Node{
		Data:       resolveServerValues(data, ts.UnixMilli()),
		Origin:     w.Origin,
		MirroredAt: ts,
		Version:    cur.Version + 1,
		Seq:        w.Seq,
	}

	val, err := s.codec.Pack(&next)
	if err != nil {
		return Node{}, fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.db.Set(nodeKey(path), val, pebble.Sync); err != nil {
		return Node{}, common.Transient("mirror "+op, err)
	}

	// Store the decoded form so cached reads match what a cold read returns
	stored, err := s.decode(val)
	if err != nil {
		return Node{}, fmt.Errorf("decode %s: %w", path, err)
	}
	s.cache.Add(path, stored)

	evType := EventChanged
	if !cur.Exists() {
		evType = EventAdded
	}
	s.feed.Send(Event{Type: evType, Path: path, Node: stored})

	return stored.clone(), nil
}

// Remove deletes the node at path and its whole subtree. It reports whether
// anything was removed.
func (s *Store) Remove(ctx context.Context, path string) (bool, error) {
	if err := common.ValidatePath(path); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, common.Transient("mirror remove", err)
	}

	start := time.Now()
	defer func() {
		telemetry.ObserveSince(telemetry.MirrorWriteSeconds.With("remove"), start)
	}()

	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	if s.closed.Load() {
		return false, common.ErrClosed
	}

	var removed []Event

	self, err := s.read(path, true)
	if err != nil {
		return false, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if self.Exists() {
		if err := batch.Delete(nodeKey(path), nil); err != nil {
			return false, common.Transient("mirror remove", err)
		}
	}

	lower, upper := subtreeBounds(path)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return false, common.Transient("mirror remove", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		childPath := string(iter.Key()[len(nodePrefix):])
		n, err := s.decode(iter.Value())
		if err != nil {
			iter.Close()
			return false, fmt.Errorf("decode %s: %w", childPath, err)
		}
		removed = append(removed, Event{Type: EventRemoved, Path: childPath, Node: n})
	}
	if err := iter.Close(); err != nil {
		return false, common.Transient("mirror remove", err)
	}

	if len(removed) > 0 {
		if err := batch.DeleteRange(lower, upper, nil); err != nil {
			return false, common.Transient("mirror remove", err)
		}
	}
	if !self.Exists() && len(removed) == 0 {
		return false, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return false, common.Transient("mirror remove", err)
	}

	// Deepest paths first, then the node itself
	for i := len(removed) - 1; i >= 0; i-- {
		s.cache.Remove(removed[i].Path)
		s.feed.Send(removed[i])
	}
	if self.Exists() {
		s.cache.Remove(path)
		s.feed.Send(Event{Type: EventRemoved, Path: path, Node: self})
	}
	return true, nil
}

// Children returns the direct children of path in key order
func (s *Store) Children(ctx context.Context, path string) ([]Child, error) {
	if err := common.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("mirror children", err)
	}

	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	if s.closed.Load() {
		return nil, common.ErrClosed
	}

	lower, upper := subtreeBounds(path)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, common.Transient("mirror children", err)
	}
	defer iter.Close()

	var children []Child
	for iter.First(); iter.Valid(); iter.Next() {
		rest := string(iter.Key()[len(lower):])
		if strings.IndexByte(rest, '/') >= 0 {
			continue
		}
		n, err := s.decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", path, rest, err)
		}
		children = append(children, Child{Key: rest, Node: n})
	}
	if err := iter.Error(); err != nil {
		return nil, common.Transient("mirror children", err)
	}
	return children, nil
}

// ChildKeys returns the sorted direct child segments of path, counting
// segments that only exist as ancestors of deeper nodes.
func (s *Store) ChildKeys(ctx context.Context, path string) ([]string, error) {
	if err := common.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, common.Transient("mirror child keys", err)
	}

	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	if s.closed.Load() {
		return nil, common.ErrClosed
	}

	lower, upper := subtreeBounds(path)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, common.Transient("mirror child keys", err)
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		rest := string(iter.Key()[len(lower):])
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		return nil, common.Transient("mirror child keys", err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe registers fn for events on prefix and every node beneath it.
// Events are delivered sequentially per subscription, in commit order for
// each path, without loss. The returned function unsubscribes; it is
// idempotent and safe to call from inside fn.
func (s *Store) Subscribe(prefix string, fn func(Event)) (func(), error) {
	if err := common.ValidatePath(prefix); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, common.ErrClosed
	}

	unsubscribe := s.feed.Subscribe(func(ev Event) bool {
		return common.HasPrefixPath(ev.Path, prefix)
	}, fn)

	log.Debug().Str("prefix", prefix).Msg("Mirror subscription added")
	return unsubscribe, nil
}

// Subscriptions returns the number of live subscriptions
func (s *Store) Subscriptions() int {
	return s.feed.Len()
}
