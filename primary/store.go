// Package primary implements the durable document store: SQL-backed
// collections of schema-less documents with an ordered, per-collection change
// log that the bridge tails. SQLite is the default backend, MySQL is optional.
package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/notify"
	"github.com/maxpert/syncbridge/telemetry"
)

const (
	DefaultBusyTimeoutMS = 5000
	DefaultOpTimeout     = 5 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultBatchSize     = 256
)

// Options configures the primary store
type Options struct {
	Driver        cfg.PrimaryDriver
	DSN           string
	Clock         *hlc.Clock
	MaxOpenConns  int
	BusyTimeoutMS int
	OpTimeout     time.Duration // Applied to calls whose context has no deadline
	PollInterval  time.Duration // Watch fallback for writes from other processes
	BatchSize     int           // Change records read per watch query
}

// Document is a stored document
type Document struct {
	Collection string
	ID         string
	Data       common.Payload
	Origin     common.Origin
	UpdatedAt  uint64 // HLC stamp of the write that produced this version
	Seq        uint64 // change-log sequence of that write
}

// Store is the durable document store
type Store struct {
	dialect goqu.DialectWrapper
	writeDB *sql.DB
	readDB  *sql.DB
	clock   *hlc.Clock
	hub     *notify.Hub
	opts    Options

	// Serializes writers so change-log sequences commit in order
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Open connects to the configured backend and creates the schema
func Open(opts Options) (*Store, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = DefaultBusyTimeoutMS
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	s := &Store{
		clock: opts.Clock,
		hub:   notify.NewHub(),
		opts:  opts,
	}

	var schemas []string
	switch opts.Driver {
	case cfg.PrimarySQLite, "":
		writeDB, readDB, err := openSQLite(opts.DSN, opts.BusyTimeoutMS, opts.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		s.writeDB, s.readDB = writeDB, readDB
		s.dialect = goqu.Dialect("sqlite3")
		schemas = sqliteSchemas()
	case cfg.PrimaryMySQL:
		db, err := openMySQL(opts.DSN, opts.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		s.writeDB, s.readDB = db, db
		s.dialect = goqu.Dialect("mysql")
		schemas = mysqlSchemas()
	default:
		return nil, fmt.Errorf("unknown primary driver: %s", opts.Driver)
	}

	for _, schema := range schemas {
		if _, err := s.writeDB.Exec(schema); err != nil {
			s.closeDBs()
			return nil, fmt.Errorf("failed to create primary schema: %w", err)
		}
	}

	return s, nil
}

func openSQLite(path string, busyTimeoutMS, readConns int) (*sql.DB, *sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	// Write connection (1 connection)
	writeDSN := path + sep + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
	writeDB, err := sql.Open(SQLiteDriverName, writeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open primary write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool
	readDSN := path + sep + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	readDB, err := sql.Open(SQLiteDriverName, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, nil, fmt.Errorf("failed to open primary read database: %w", err)
	}
	readDB.SetMaxOpenConns(readConns)
	readDB.SetMaxIdleConns(readConns)
	readDB.SetConnMaxLifetime(0)

	if err := writeDB.Ping(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, nil, fmt.Errorf("failed to open primary database: %w", err)
	}

	return writeDB, readDB, nil
}

func openMySQL(dsn string, maxConns int) (*sql.DB, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return db, nil
}

// Close releases all connections and stops every watch
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Close()
	return s.closeDBs()
}

func (s *Store) closeDBs() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// Clock returns the clock stamping every write
func (s *Store) Clock() *hlc.Clock {
	return s.clock
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the current version of a document
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	if s.closed.Load() {
		return Document{}, common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.get(ctx, s.readDB, collection, id)
	if err != nil {
		return Document{}, err
	}
	if doc == nil {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, common.ErrNotFound)
	}
	return *doc, nil
}

func (s *Store) get(ctx context.Context, q rowQueryer, collection, id string) (*Document, error) {
	query, args, err := s.dialect.From(tableDocuments).
		Select("data", "origin", "updated_at", "seq").
		Where(goqu.C("collection").Eq(collection), goqu.C("id").Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var (
		raw       []byte
		origin    uint8
		updatedAt uint64
		seq       uint64
	)
	err = q.QueryRowContext(ctx, query, args...).Scan(&raw, &origin, &updatedAt, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, common.Transient("primary get", err)
	}

	data, err := decodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}

	return &Document{
		Collection: collection,
		ID:         id,
		Data:       data,
		Origin:     common.Origin(origin),
		UpdatedAt:  updatedAt,
		Seq:        seq,
	}, nil
}

// List returns documents of a collection ordered by id, starting after afterID
func (s *Store) List(ctx context.Context, collection, afterID string, limit int) ([]Document, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ds := s.dialect.From(tableDocuments).
		Select("id", "data", "origin", "updated_at", "seq").
		Where(goqu.C("collection").Eq(collection), goqu.C("id").Gt(afterID)).
		Order(goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.Transient("primary list", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc    Document
			raw    []byte
			origin uint8
		)
		if err := rows.Scan(&doc.ID, &raw, &origin, &doc.UpdatedAt, &doc.Seq); err != nil {
			return nil, common.Transient("primary list", err)
		}
		if doc.Data, err = decodePayload(raw); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, doc.ID, err)
		}
		doc.Collection = collection
		doc.Origin = common.Origin(origin)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Set overwrites a document. Writing identical data is a no-op and produces
// no change record.
func (s *Store) Set(ctx context.Context, collection, id string, data common.Payload, origin common.Origin) (Document, error) {
	if data == nil {
		return Document{}, common.Invalid("data", "", "must not be nil")
	}
	doc, _, err := s.write(ctx, "set", collection, id, origin, func(*Document) (common.Payload, bool, error) {
		return data.Clone(), false, nil
	})
	return doc, err
}

// Merge applies a shallow field merge, creating the document if absent.
// A nil field value removes that field.
func (s *Store) Merge(ctx context.Context, collection, id string, fields common.Payload, origin common.Origin) (Document, error) {
	doc, _, err := s.write(ctx, "merge", collection, id, origin, func(existing *Document) (common.Payload, bool, error) {
		merged := common.Payload{}
		if existing != nil {
			merged = existing.Data.Clone()
		}
		for k, v := range fields {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return merged, false, nil
	})
	return doc, err
}

// Delete removes a document. It reports whether the document existed.
func (s *Store) Delete(ctx context.Context, collection, id string, origin common.Origin) (bool, error) {
	_, changed, err := s.write(ctx, "delete", collection, id, origin, func(*Document) (common.Payload, bool, error) {
		return nil, true, nil
	})
	return changed, err
}

// mutation computes the next version of a document from the current one
type mutation func(existing *Document) (next common.Payload, remove bool, err error)

func (s *Store) write(ctx context.Context, op, collection, id string, origin common.Origin, fn mutation) (Document, bool, error) {
	if err := common.ValidateSegment("collection", collection); err != nil {
		return Document{}, false, err
	}
	if err := common.ValidateSegment("id", id); err != nil {
		return Document{}, false, err
	}
	if s.closed.Load() {
		return Document{}, false, common.ErrClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	defer func() {
		telemetry.ObserveSince(telemetry.PrimaryWriteSeconds.With(op), start)
	}()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, false, common.Transient("primary begin", err)
	}
	defer tx.Rollback()

	existing, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return Document{}, false, err
	}

	next, remove, err := fn(existing)
	if err != nil {
		return Document{}, false, err
	}

	var changeType common.ChangeType
	switch {
	case remove && existing == nil:
		return Document{}, false, nil
	case remove:
		changeType = common.ChangeRemoved
		next = existing.Data
	case existing == nil:
		changeType = common.ChangeCreated
	default:
		if encoding.Equal(existing.Data, next) {
			return *existing, false, nil
		}
		changeType = common.ChangeUpdated
	}

	raw, err := encoding.Marshal(next)
	if err != nil {
		return Document{}, false, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	stamp := s.clock.Now().Stamp()
	seq, err := s.insertChange(ctx, tx, collection, id, changeType, raw, origin, stamp)
	if err != nil {
		return Document{}, false, err
	}

	switch {
	case remove:
		err = s.execBuilt(ctx, tx, "primary delete", s.dialect.Delete(tableDocuments).
			Where(goqu.C("collection").Eq(collection), goqu.C("id").Eq(id)).
			Prepared(true))
	case existing == nil:
		err = s.execBuilt(ctx, tx, "primary insert", s.dialect.Insert(tableDocuments).
			Rows(goqu.Record{
				"collection": collection,
				"id":         id,
				"data":       raw,
				"origin":     uint8(origin),
				"updated_at": stamp,
				"seq":        seq,
			}).
			Prepared(true))
	default:
		err = s.execBuilt(ctx, tx, "primary update", s.dialect.Update(tableDocuments).
			Set(goqu.Record{
				"data":       raw,
				"origin":     uint8(origin),
				"updated_at": stamp,
				"seq":        seq,
			}).
			Where(goqu.C("collection").Eq(collection), goqu.C("id").Eq(id)).
			Prepared(true))
	}
	if err != nil {
		return Document{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Document{}, false, common.Transient("primary commit", err)
	}

	s.hub.Signal(collection, seq)

	return Document{
		Collection: collection,
		ID:         id,
		Data:       next,
		Origin:     origin,
		UpdatedAt:  stamp,
		Seq:        seq,
	}, true, nil
}

func (s *Store) insertChange(ctx context.Context, tx *sql.Tx, collection, id string, changeType common.ChangeType, raw []byte, origin common.Origin, stamp uint64) (uint64, error) {
	query, args, err := s.dialect.Insert(tableChanges).
		Rows(goqu.Record{
			"collection":   collection,
			"id":           id,
			"change_type":  uint8(changeType),
			"data":         raw,
			"origin":       uint8(origin),
			"committed_at": stamp,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build change insert: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, common.Transient("primary change insert", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, common.Transient("primary change insert", err)
	}
	return uint64(seq), nil
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execBuilt(ctx context.Context, db execer, op string, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return common.Transient(op, err)
	}
	return nil
}

func decodePayload(raw []byte) (common.Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := encoding.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return common.Payload(m), nil
}
