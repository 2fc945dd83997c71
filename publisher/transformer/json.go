package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/syncbridge/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer("syncbridge")
	})
}

// Envelope is the JSON document pushed to sinks
type Envelope struct {
	Source    string                 `json:"source"`
	OutboxSeq uint64                 `json:"outboxSeq"`
	Seq       uint64                 `json:"seq"`
	Kind      string                 `json:"kind"`
	SubjectID string                 `json:"subjectId"`
	CreatedAt int64                  `json:"createdAt"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// JSONTransformer renders records as Envelope JSON
type JSONTransformer struct {
	source string
}

// NewJSONTransformer creates a transformer stamping source on every envelope
func NewJSONTransformer(source string) *JSONTransformer {
	return &JSONTransformer{source: source}
}

// Transform implements publisher.Transformer
func (t *JSONTransformer) Transform(rec publisher.Record) ([]byte, error) {
	ev := rec.Event
	env := Envelope{
		Source:    t.source,
		OutboxSeq: rec.SeqNum,
		Seq:       ev.Seq,
		Kind:      ev.Kind,
		SubjectID: ev.SubjectID,
		CreatedAt: ev.CreatedAt,
		Data:      ev.Data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %s/%d: %w", ev.Kind, ev.Seq, err)
	}
	return out, nil
}
