package publisher

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout inside the outbox Pebble instance
const (
	prefixRecord = "/outbox/rec/"    // /outbox/rec/{16-hex-seq}
	prefixCursor = "/outbox/cursor/" // /outbox/cursor/{sink}
	keyNextSeq   = "/outbox/seq"
)

const (
	memTableSize          = 16 << 20
	l0CompactionThreshold = 2
	l0StopWritesThreshold = 12

	defaultReadLimit = 100
	compactEveryMask = 0x7F // compact whenever a cursor lands on a multiple of 128
)

// Outbox is the durable append-only log feeding the sink workers.
// Records are deleted once every registered sink cursor has passed them.
type Outbox struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	compactMu      sync.Mutex
	compactRunning atomic.Bool
	compactWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenOutbox opens (or creates) the outbox at path
func OpenOutbox(path string) (*Outbox, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
		L0StopWritesThreshold: l0StopWritesThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox at %s: %w", path, err)
	}

	o := &Outbox{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := o.load(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	val, closer, err := o.db.Get([]byte(keyNextSeq))
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		return fmt.Errorf("failed to load outbox sequence: %w", err)
	default:
		seq, decErr := decodeUint64(val)
		closer.Close()
		if decErr != nil {
			return fmt.Errorf("outbox sequence: %w", decErr)
		}
		o.nextSeq.Store(seq)
	}

	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixCursor),
		UpperBound: prefixUpperBound([]byte(prefixCursor)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		cursor, err := decodeUint64(iter.Value())
		if err != nil {
			return fmt.Errorf("corrupted cursor for sink %s: %w", name, err)
		}
		o.cursors[name] = cursor
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(o.cursors) > 0 {
		log.Info().Int("cursors", len(o.cursors)).Str("path", o.path).Msg("Loaded outbox cursors")
	}
	return nil
}

// Append durably stores events and returns them with assigned outbox sequences
func (o *Outbox) Append(events ...common.Event) ([]Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if o.closed.Load() {
		return nil, common.ErrClosed
	}

	o.appendMu.Lock()
	defer o.appendMu.Unlock()

	seq := o.nextSeq.Load()
	batch := o.db.NewBatch()
	defer batch.Close()

	records := make([]Record, 0, len(events))
	for _, ev := range events {
		seq++
		rec := Record{SeqNum: seq, Event: ev}
		val, err := encoding.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outbox record: %w", err)
		}
		if err := batch.Set([]byte(recordKey(seq)), val, nil); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := batch.Set([]byte(keyNextSeq), encodeUint64(seq), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	o.nextSeq.Store(seq)
	return records, nil
}

// LastSeq returns the sequence of the newest appended record
func (o *Outbox) LastSeq() uint64 {
	return o.nextSeq.Load()
}

// ReadFrom returns up to limit records with sequence greater than cursor
func (o *Outbox) ReadFrom(cursor uint64, limit int) ([]Record, error) {
	if o.closed.Load() {
		return nil, common.ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := []byte(recordKey(cursor + 1))
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixRecord)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0, limit)
	for iter.First(); iter.Valid() && len(records) < limit; iter.Next() {
		var rec Record
		if err := encoding.Unmarshal(iter.Value(), &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable outbox record")
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// Cursor returns the last delivered sequence for a sink (0 for a new sink)
func (o *Outbox) Cursor(sink string) (uint64, error) {
	if o.closed.Load() {
		return 0, common.ErrClosed
	}
	o.cursorsMu.RLock()
	defer o.cursorsMu.RUnlock()
	return o.cursors[sink], nil
}

// Register makes the sink participate in compaction before its first delivery
func (o *Outbox) Register(sink string) {
	o.cursorsMu.Lock()
	defer o.cursorsMu.Unlock()
	if _, ok := o.cursors[sink]; !ok {
		o.cursors[sink] = 0
	}
}

// AdvanceCursor persists the sink cursor and periodically compacts delivered records
func (o *Outbox) AdvanceCursor(sink string, seq uint64) error {
	if o.closed.Load() {
		return common.ErrClosed
	}

	if err := o.db.Set([]byte(prefixCursor+sink), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", sink, err)
	}

	o.cursorsMu.Lock()
	o.cursors[sink] = seq
	o.cursorsMu.Unlock()

	if seq&compactEveryMask == 0 && o.compactRunning.CompareAndSwap(false, true) {
		o.compactWg.Add(1)
		go func() {
			defer o.compactWg.Done()
			defer o.compactRunning.Store(false)
			o.compact()
		}()
	}
	return nil
}

// compact deletes records every sink has delivered
func (o *Outbox) compact() {
	o.compactMu.Lock()
	defer o.compactMu.Unlock()

	if o.closed.Load() {
		return
	}

	o.cursorsMu.RLock()
	if len(o.cursors) == 0 {
		o.cursorsMu.RUnlock()
		return
	}
	low := ^uint64(0)
	for _, c := range o.cursors {
		low = min(low, c)
	}
	o.cursorsMu.RUnlock()

	if low == 0 {
		return
	}

	// records up to and including low are delivered everywhere
	if err := o.db.DeleteRange([]byte(prefixRecord), []byte(recordKey(low+1)), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("low", low).Msg("Failed to compact outbox")
		return
	}
	log.Debug().Uint64("low", low).Msg("Compacted outbox")
}

// Close waits for in-flight compaction and closes Pebble. Safe to call twice.
func (o *Outbox) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.compactWg.Wait()
	return o.db.Close()
}

func recordKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixRecord, seq)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
