// Package audit mirrors ActionPlan artifacts to a Kafka topic. The mirror
// is a side channel: a broker outage never affects the tick that produced
// the plan.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaMirror publishes tick plans keyed by tick id.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror connects to brokers (comma-separated) and topic.
func NewKafkaMirror(brokers, topic string) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// MirrorPlan writes one plan JSON. Bounded by its own timeout so a stalled
// broker cannot hold the caller.
func (m *KafkaMirror) MirrorPlan(ctx context.Context, tickID string, plan []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tickID),
		Value: plan,
		Time:  time.Now(),
	})
}

func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
