package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/tlm-solutions/locations-consensus/internal/config"
	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

// Writer produces consensus events to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch serializes and publishes consensus events in a single
// WriteMessages call. Messages are keyed by site so that updates of one site
// stay ordered within a partition.
func (w *Writer) LoadBatch(ctx context.Context, events []domain.ConsensusEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d consensus events: %w", len(msgs), err)
	}
	w.logger.Debug("consensus events published", "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a ConsensusEvent into a Kafka message.
func serializeToMessage(event domain.ConsensusEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize consensus event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Location.Key().String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "schema_version", Value: []byte(strconv.Itoa(event.Schema))},
			{Key: "computed_at", Value: []byte(event.ComputedAt.Format(time.RFC3339))},
		},
	}, nil
}
