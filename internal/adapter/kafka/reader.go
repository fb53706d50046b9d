package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

// messageReader is the part of *kafkago.Reader the Reader uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

type partitionResult struct {
	msg kafkago.Message
	err error
}

// Reader consumes flush events from the start of every partition of a topic.
// Events of one run share a partition, so they arrive in publish order.
type Reader struct {
	partitions []messageReader
	results    chan partitionResult
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *slog.Logger
}

// NewReader looks up the partitions of topic and opens one reader per
// partition. Without a consumer group every reader starts from the first
// offset.
func NewReader(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*Reader, error) {
	partitions, err := lookupPartitions(ctx, brokers, topic)
	if err != nil {
		return nil, err
	}
	readers := make([]messageReader, len(partitions))
	for i, p := range partitions {
		readers[i] = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: p.ID,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
	logger.Debug("flush topic partitions", "topic", topic, "partitions", len(partitions))
	return newReader(readers, logger), nil
}

func lookupPartitions(ctx context.Context, brokers []string, topic string) ([]kafkago.Partition, error) {
	var errs []error
	for _, broker := range brokers {
		partitions, err := kafkago.LookupPartitions(ctx, "tcp", broker, topic)
		if err == nil {
			if len(partitions) == 0 {
				return nil, fmt.Errorf("topic %s has no partitions", topic)
			}
			return partitions, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return nil, fmt.Errorf("look up partitions of %s: %w", topic, errors.Join(errs...))
}

// newReader starts one goroutine per partition. Each forwards messages in
// partition order and stops at its first error.
func newReader(partitions []messageReader, logger *slog.Logger) *Reader {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		partitions: partitions,
		results:    make(chan partitionResult),
		cancel:     cancel,
		logger:     logger,
	}
	for _, p := range partitions {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				msg, err := p.ReadMessage(ctx)
				if ctx.Err() != nil {
					return
				}
				select {
				case r.results <- partitionResult{msg: msg, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
	}
	return r
}

// ReadEvent blocks until the next flush event arrives from any partition or
// ctx is done. Messages that do not decode are logged and skipped.
func (r *Reader) ReadEvent(ctx context.Context) (domain.FlushEvent, error) {
	for {
		var res partitionResult
		select {
		case res = <-r.results:
		case <-ctx.Done():
			return domain.FlushEvent{}, fmt.Errorf("read flush event: %w", ctx.Err())
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return domain.FlushEvent{}, io.EOF
			}
			return domain.FlushEvent{}, fmt.Errorf("read flush event: %w", res.err)
		}
		event, err := parseMessage(res.msg)
		if err != nil {
			r.logger.Warn("skipping undecodable flush event",
				"partition", res.msg.Partition, "offset", res.msg.Offset, "error", err)
			continue
		}
		return event, nil
	}
}

// Close stops every partition reader.
func (r *Reader) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.cancel()
		for _, p := range r.partitions {
			errs = append(errs, p.Close())
		}
		r.wg.Wait()
	})
	return errors.Join(errs...)
}

func parseMessage(msg kafkago.Message) (domain.FlushEvent, error) {
	var event domain.FlushEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.FlushEvent{}, fmt.Errorf("decode flush event at offset %d: %w", msg.Offset, err)
	}
	if event.RunID == "" {
		event.RunID = string(msg.Key)
	}
	return event, nil
}
