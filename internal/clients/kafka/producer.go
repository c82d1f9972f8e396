package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/store"

	"github.com/segmentio/kafka-go"
)

// EventCallEnded is published once per archived call.
const EventCallEnded = "call.ended"

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles publishing call events to Kafka
type Producer struct {
	writer messageWriter
	logger *observability.Logger
}

// ProducerConfig contains configuration for Kafka producer
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger *observability.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Topic:    config.Topic,
		Balancer: &kafka.Hash{},
		// Compression for better throughput
		Compression: kafka.Snappy,
		BatchSize:   100,
		// Calls end one at a time, so do not wait for a full batch
		BatchTimeout: 50 * time.Millisecond,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// CallEvent is the message published for call lifecycle events
type CallEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	CallSID       string    `json:"call_sid"`
	StreamSID     string    `json:"stream_sid"`
	AgentID       string    `json:"agent_id,omitempty"`
	FinalStatus   string    `json:"final_status"`
	Interruptions int       `json:"interruptions"`
	Turns         int       `json:"turns"`
	DurationMs    int64     `json:"duration_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewCallEndedEvent summarizes an archived call.
func NewCallEndedEvent(record store.CallRecord) CallEvent {
	return CallEvent{
		ID:            record.ID.String(),
		Type:          EventCallEnded,
		SessionID:     record.SessionID,
		CallSID:       record.CallSID,
		StreamSID:     record.StreamSID,
		AgentID:       record.AgentID,
		FinalStatus:   record.FinalStatus,
		Interruptions: record.Interruptions,
		Turns:         len(record.Turns),
		DurationMs:    record.EndedAt.Sub(record.StartedAt).Milliseconds(),
		Timestamp:     record.EndedAt,
	}
}

// PublishEvent publishes a call event to Kafka
func (p *Producer) PublishEvent(ctx context.Context, event CallEvent) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event_type", Value: event.Type},
		observability.Field{Key: "session_id", Value: event.SessionID},
	)

	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal event", err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Partition by call so events of one call stay ordered
	key := event.CallSID
	if key == "" {
		key = event.SessionID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "call_sid", Value: []byte(event.CallSID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to write message to kafka", err)
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Info(ctx, fmt.Sprintf("published event %s to kafka", event.Type))
	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CallEventProcessor publishes call.ended for the archive worker pool.
type CallEventProcessor struct {
	producer *Producer
}

func NewCallEventProcessor(producer *Producer) *CallEventProcessor {
	return &CallEventProcessor{producer: producer}
}

func (p *CallEventProcessor) Name() string { return "call_event_publisher" }

func (p *CallEventProcessor) Process(ctx context.Context, record store.CallRecord) error {
	return p.producer.PublishEvent(ctx, NewCallEndedEvent(record))
}
