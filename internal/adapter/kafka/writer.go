package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/streamflow-ingest/internal/config"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// Writer publishes flush events to a Kafka topic.
// It implements pipeline.FlushNotifier.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured flush topic. The
// balancer hashes the message key, so all events of a run go to one partition.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaFlushTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// NotifyFlush publishes one message for the flush, keyed by run id so a
// run's events stay ordered within a partition.
func (w *Writer) NotifyFlush(ctx context.Context, event domain.FlushEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish flush event: %w", err)
	}
	w.logger.Debug("flush event published",
		"topic", w.writer.Topic, "run_id", event.RunID, "sequence", event.Sequence)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a FlushEvent into a Kafka message.
func serializeToMessage(event domain.FlushEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize flush event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "sequence", Value: []byte(strconv.Itoa(event.Sequence))},
			{Key: "flushed_at", Value: []byte(event.At.Format(time.RFC3339))},
		},
	}, nil
}
