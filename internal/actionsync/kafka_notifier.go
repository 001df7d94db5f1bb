package actionsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifierOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaNotifier publishes outcome events keyed by intent id, so every event
// of one intent lands on the same partition.
type KafkaNotifier struct {
	writer  kafkaMessageWriter
	timeout time.Duration
}

func NewKafkaNotifier(opts KafkaNotifierOptions) (*KafkaNotifier, error) {
	brokers := make([]string, 0, len(opts.Brokers))
	for _, broker := range opts.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	topic := strings.TrimSpace(opts.Topic)
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("%w: kafka notifier requires brokers and a topic", ErrInvalidInput)
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
	}
	return newKafkaNotifierWithWriter(writer, timeout), nil
}

func newKafkaNotifierWithWriter(writer kafkaMessageWriter, timeout time.Duration) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaNotifier{writer: writer, timeout: timeout}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event OutcomeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode outcome event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.IntentID),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "workspace_id", Value: []byte(event.WorkspaceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish outcome event: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
