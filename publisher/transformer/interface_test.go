package transformer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONTransformerImplementsInterface(t *testing.T) {
	var _ publisher.Transformer = (*JSONTransformer)(nil)
}

func TestJSONTransformerEnvelope(t *testing.T) {
	tr := NewJSONTransformer("test")
	out, err := tr.Transform(publisher.Record{
		SeqNum: 7,
		Event: common.Event{
			Seq:       42,
			Kind:      common.KindChatSent,
			SubjectID: "chat-1",
			CreatedAt: 1700000000000,
			Data:      common.Payload{"text": "hi", "n": int64(3)},
		},
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, "test", env.Source)
	assert.Equal(t, uint64(7), env.OutboxSeq)
	assert.Equal(t, uint64(42), env.Seq)
	assert.Equal(t, "chat.sent", env.Kind)
	assert.Equal(t, "chat-1", env.SubjectID)
	assert.Equal(t, int64(1700000000000), env.CreatedAt)
	assert.Equal(t, "hi", env.Data["text"])
	assert.Equal(t, float64(3), env.Data["n"])
}

func TestJSONTransformerOmitsEmptyData(t *testing.T) {
	out, err := NewJSONTransformer("x").Transform(publisher.Record{
		SeqNum: 1,
		Event:  common.Event{Seq: 1, Kind: "k", SubjectID: "s"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"data"`)
}

func TestJSONTransformerRejectsUnencodable(t *testing.T) {
	_, err := NewJSONTransformer("x").Transform(publisher.Record{
		Event: common.Event{Kind: "k", Data: common.Payload{"bad": math.Inf(1)}},
	})
	assert.Error(t, err)
}
