package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/0x5487/matching-core/protocol"
	"github.com/segmentio/kafka-go"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "sink")

// SetLogger allows setting a custom logger
func SetLogger(l *slog.Logger) {
	logger = l
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTrades publishes trades to a Kafka topic, keyed by instrument so the
// trades of one instrument stay in order on one partition.
type KafkaTrades struct {
	writer     messageWriter
	serializer protocol.Serializer
	timeout    time.Duration
}

func NewKafkaTrades(brokers []string, topic string) *KafkaTrades {
	return newKafkaTrades(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func newKafkaTrades(w messageWriter) *KafkaTrades {
	return &KafkaTrades{
		writer:     w,
		serializer: protocol.JSONSerializer{},
		timeout:    5 * time.Second,
	}
}

// Record publishes trades in one write. Failures are logged.
func (k *KafkaTrades) Record(trades ...*protocol.Trade) {
	if len(trades) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	if err := k.Send(ctx, trades...); err != nil {
		logger.Error("failed to publish trades", "trades", len(trades), "instrument", trades[0].Instrument, "error", err)
	}
}

// Send publishes trades and returns the write error.
func (k *KafkaTrades) Send(ctx context.Context, trades ...*protocol.Trade) error {
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := k.serializer.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trade %s/%d: %w", t.Instrument, t.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Instrument),
			Value: value,
			Time:  t.CreatedAt,
		})
	}

	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaTrades) Close() error {
	return k.writer.Close()
}
