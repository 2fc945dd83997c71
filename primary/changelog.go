package primary

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/syncbridge/common"
)

// Changes returns change records of a collection with seq > afterSeq, in order.
// A row whose payload cannot be decoded is returned with DecodeErr set.
func (s *Store) Changes(ctx context.Context, collection string, afterSeq uint64, limit int) ([]common.ChangeRecord, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	if limit <= 0 {
		limit = s.opts.BatchSize
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := s.dialect.From(tableChanges).
		Select("seq", "id", "change_type", "data", "origin", "committed_at").
		Where(goqu.C("collection").Eq(collection), goqu.C("seq").Gt(afterSeq)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build changes query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.Transient("primary changes", err)
	}
	defer rows.Close()

	records := make([]common.ChangeRecord, 0, limit)
	for rows.Next() {
		var (
			rec        common.ChangeRecord
			changeType uint8
			origin     uint8
			raw        []byte
		)
		if err := rows.Scan(&rec.ObservedAt, &rec.EntityID, &changeType, &raw, &origin, &rec.CommittedAt); err != nil {
			return nil, common.Transient("primary changes", err)
		}
		if rec.Payload, err = decodePayload(raw); err != nil {
			rec.Payload = nil
			rec.DecodeErr = fmt.Errorf("decode change %d: %w", rec.ObservedAt, err)
		}
		rec.CollectionID = collection
		rec.ChangeType = common.ChangeType(changeType)
		rec.Origin = common.Origin(origin)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.Transient("primary changes", err)
	}
	return records, nil
}

// LatestSeq returns the highest change sequence recorded for a collection
func (s *Store) LatestSeq(ctx context.Context, collection string) (uint64, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := s.dialect.From(tableChanges).
		Select(goqu.MAX("seq")).
		Where(goqu.C("collection").Eq(collection)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build latest seq query: %w", err)
	}

	var seq sql.NullInt64
	if err := s.readDB.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, common.Transient("primary latest seq", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// TrimChanges deletes change records of a collection up to and including uptoSeq
func (s *Store) TrimChanges(ctx context.Context, collection string, uptoSeq uint64) (int64, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := s.dialect.Delete(tableChanges).
		Where(goqu.C("collection").Eq(collection), goqu.C("seq").Lte(uptoSeq)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build trim query: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, common.Transient("primary trim", err)
	}
	return res.RowsAffected()
}

// LoadCursor returns the persisted position of a named consumer, 0 if none
func (s *Store) LoadCursor(ctx context.Context, name string) (uint64, error) {
	if s.closed.Load() {
		return 0, common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args, err := s.dialect.From(tableCursors).
		Select("seq").
		Where(goqu.C("name").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build cursor query: %w", err)
	}

	var seq uint64
	err = s.readDB.QueryRowContext(ctx, query, args...).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, common.Transient("primary load cursor", err)
	}
	return seq, nil
}

// SaveCursor persists the position of a named consumer
func (s *Store) SaveCursor(ctx context.Context, name string, seq uint64) error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return common.Transient("primary begin", err)
	}
	defer tx.Rollback()

	existsQuery, existsArgs, err := s.dialect.From(tableCursors).
		Select(goqu.COUNT("*")).
		Where(goqu.C("name").Eq(name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build cursor lookup: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, existsQuery, existsArgs...).Scan(&count); err != nil {
		return common.Transient("primary save cursor", err)
	}

	now := time.Now().UnixMilli()
	if count == 0 {
		err = s.execBuilt(ctx, tx, "primary save cursor", s.dialect.Insert(tableCursors).
			Rows(goqu.Record{"name": name, "seq": seq, "updated_at": now}).
			Prepared(true))
	} else {
		err = s.execBuilt(ctx, tx, "primary save cursor", s.dialect.Update(tableCursors).
			Set(goqu.Record{"seq": seq, "updated_at": now}).
			Where(goqu.C("name").Eq(name)).
			Prepared(true))
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return common.Transient("primary commit", err)
	}
	return nil
}
