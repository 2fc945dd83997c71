package primary

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/telemetry"
)

// EventQuery filters ReadEvents. Zero fields do not filter.
type EventQuery struct {
	AfterSeq  uint64
	SubjectID string
	Kind      string
	Limit     int
}

// AppendEvent appends an event to the durable event log and returns it with
// its assigned sequence and stored data. CreatedAt defaults to the store clock.
func (s *Store) AppendEvent(ctx context.Context, ev common.Event) (common.Event, error) {
	if ev.Kind == "" {
		return common.Event{}, common.Invalid("kind", "", "must not be empty")
	}
	if s.closed.Load() {
		return common.Event{}, common.ErrClosed
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = s.clock.Now().UnixMilli()
	}

	raw, err := encoding.Marshal(ev.Data)
	if err != nil {
		return common.Event{}, fmt.Errorf("encode event data: %w", err)
	}
	// Hand back what a later ReadEvents returns
	if ev.Data, err = decodePayload(raw); err != nil {
		return common.Event{}, fmt.Errorf("decode event data: %w", err)
	}

	query, args, err := s.dialect.Insert(tableEventLog).
		Rows(goqu.Record{
			"kind":       ev.Kind,
			"subject_id": ev.SubjectID,
			"data":       raw,
			"created_at": ev.CreatedAt,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return common.Event{}, fmt.Errorf("build event insert: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.writeMu.Lock()
	res, err := s.writeDB.ExecContext(ctx, query, args...)
	s.writeMu.Unlock()
	if err != nil {
		return common.Event{}, common.Transient("primary append event", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return common.Event{}, common.Transient("primary append event", err)
	}
	ev.Seq = uint64(seq)

	telemetry.EventsPublishedTotal.With(ev.Kind).Inc()
	return ev, nil
}

// ReadEvents returns events in append order
func (s *Store) ReadEvents(ctx context.Context, q EventQuery) ([]common.Event, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	if q.Limit <= 0 {
		q.Limit = s.opts.BatchSize
	}

	ds := s.dialect.From(tableEventLog).
		Select("seq", "kind", "subject_id", "data", "created_at").
		Where(goqu.C("seq").Gt(q.AfterSeq))
	if q.SubjectID != "" {
		ds = ds.Where(goqu.C("subject_id").Eq(q.SubjectID))
	}
	if q.Kind != "" {
		ds = ds.Where(goqu.C("kind").Eq(q.Kind))
	}
	query, args, err := ds.Order(goqu.C("seq").Asc()).
		Limit(uint(q.Limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build events query: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.Transient("primary read events", err)
	}
	defer rows.Close()

	var events []common.Event
	for rows.Next() {
		var (
			ev  common.Event
			raw []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.SubjectID, &raw, &ev.CreatedAt); err != nil {
			return nil, common.Transient("primary read events", err)
		}
		if ev.Data, err = decodePayload(raw); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
