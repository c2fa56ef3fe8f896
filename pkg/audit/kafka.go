package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes each entry as one message keyed by identity, so all
// commands from one sender land on the same partition in order.
type KafkaSink struct {
	writer kafkaWriter
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaSink{writer: w}, nil
}

func (s *KafkaSink) Append(ctx context.Context, e Entry) error {
	if s == nil || s.writer == nil {
		return errNoSink
	}
	line, err := Line(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Identity),
		Value: line[:len(line)-1],
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(e.RequestID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
