package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlm-solutions/locations-consensus/internal/config"
	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

func TestMapMessageToRawMessage(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("1/4711"),
		Value:     []byte(`{"region":1}`),
		Topic:     "raw-transmission-locations",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("trekkie")},
		},
	}

	raw := mapMessageToRawMessage(msg)

	assert.Equal(t, []byte("1/4711"), raw.Key)
	assert.JSONEq(t, `{"region":1}`, string(raw.Value))
	assert.Equal(t, "raw-transmission-locations", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "trekkie", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestReader_MapSetsCommit(t *testing.T) {
	r := &Reader{}
	raw := r.mapMessageToRawMessage(kafkago.Message{Offset: 7})
	assert.NotNil(t, raw.Commit)
	assert.Equal(t, int64(7), raw.Offset)
}

// scriptedFetch replays msgs and then fails every call with err.
func scriptedFetch(err error, msgs ...kafkago.Message) func(context.Context) (kafkago.Message, error) {
	i := 0
	return func(context.Context) (kafkago.Message, error) {
		if i < len(msgs) {
			i++
			return msgs[i-1], nil
		}
		return kafkago.Message{}, err
	}
}

func newScriptedReader(fetch func(context.Context) (kafkago.Message, error)) *Reader {
	return &Reader{
		fetch:         fetch,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		flushInterval: time.Second,
	}
}

func TestExtractBatch_FetchErrorKeepsPartialBatch(t *testing.T) {
	brokerDown := errors.New("broker down")
	r := newScriptedReader(scriptedFetch(brokerDown, kafkago.Message{Offset: 1}, kafkago.Message{Offset: 2}))

	batch, err := r.ExtractBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].Offset)
	assert.Equal(t, int64(2), batch[1].Offset)

	// The error surfaces on the next call, once nothing is pending.
	batch, err = r.ExtractBatch(context.Background(), 10)
	require.ErrorIs(t, err, brokerDown)
	assert.Empty(t, batch)
}

func TestExtractBatch_FlushIntervalReturnsPartialBatch(t *testing.T) {
	r := newScriptedReader(scriptedFetch(context.DeadlineExceeded, kafkago.Message{Offset: 5}))

	batch, err := r.ExtractBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(5), batch[0].Offset)
}

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)
	event := domain.ConsensusEvent{
		Schema:     domain.SchemaVersion,
		Location:   domain.ConsensusLocation{Region: 1, SiteID: 4711, Lat: 51.05, Lon: 13.74},
		Samples:    12,
		Retained:   11,
		ComputedAt: now,
	}

	msg, err := serializeToMessage(event)
	require.NoError(t, err)

	assert.Equal(t, []byte("1/4711"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "schema_version", msg.Headers[0].Key)
	assert.Equal(t, []byte("3"), msg.Headers[0].Value)
	assert.Equal(t, "computed_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[1].Value)

	var got domain.ConsensusEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, event, got)
}

func TestWriter_LoadBatchEmpty(t *testing.T) {
	w := NewWriter(&config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaSinkTopic: "t"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.LoadBatch(context.Background(), nil))
}
