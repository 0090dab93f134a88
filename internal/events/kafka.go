package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		MaxAttempts:            5,
	}
}

// KafkaSink forwards order updates from the bus to Kafka, keyed by order id so
// updates of one order stay in one partition.
type KafkaSink struct {
	bus    *Bus
	writer MessageWriter
	log    *zap.Logger
}

// NewKafkaSink creates a sink; call Run to start forwarding.
func NewKafkaSink(bus *Bus, writer MessageWriter, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{bus: bus, writer: writer, log: log.Named("kafka_sink")}
}

// Run forwards until ctx is done, then closes the writer.
func (s *KafkaSink) Run(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(EventOrderUpdate, 256)
	defer unsub()
	defer func() {
		if err := s.writer.Close(); err != nil {
			s.log.Warn("close kafka writer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			upd, ok := payload.(OrderUpdate)
			if !ok {
				continue
			}
			if err := s.write(ctx, upd); err != nil {
				s.log.Error("publish order update",
					zap.Int64("order_id", upd.OrderID),
					zap.String("status", upd.Status),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *KafkaSink) write(ctx context.Context, upd OrderUpdate) error {
	value, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(upd.OrderID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventOrderUpdate)},
		},
		Time: upd.At,
	}
	return s.writer.WriteMessages(ctx, msg)
}
