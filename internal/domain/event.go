package domain

import (
	"context"
	"time"
)

// RawMessage is an unprocessed message from the source topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// ConsensusEvent announces a recomputed site location on the sink topic.
type ConsensusEvent struct {
	Schema     int               `json:"schema"`
	Location   ConsensusLocation `json:"location"`
	Samples    int               `json:"samples"`
	Retained   int               `json:"retained"`
	ComputedAt time.Time         `json:"computed_at"`
}

// NewConsensusEvent wraps a consensus result, stamped with the current time.
func NewConsensusEvent(res ConsensusResult) ConsensusEvent {
	return ConsensusEvent{
		Schema:     SchemaVersion,
		Location:   res.Location,
		Samples:    res.Samples,
		Retained:   res.Retained,
		ComputedAt: clock.Now().UTC(),
	}
}
