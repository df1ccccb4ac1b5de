package nioproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"strings"
)

type KafkaEventRouter struct {
	ctx      context.Context
	producer *kafka.Writer
}

// NewKafkaEventRouter creates an asynchronous producer, so Process never
// waits for the brokers. brokers is a comma separated list.
func NewKafkaEventRouter(ctx context.Context, brokers, topic string) (*KafkaEventRouter, error) {
	addrs := splitBrokers(brokers)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("incorrect brokers url for event kafka router: %q", brokers)
	}
	if topic == "" {
		return nil, fmt.Errorf("incorrect topic name for event kafka router")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Balancer:     &kafka.Hash{},
		Compression:  kafka.Lz4,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Msgf("can't deliver %d events to kafka: %+v", len(messages), err)
			}
		},
	}
	log.Info().Msgf("init kafka event router: brokers: %v topic: %s", addrs, topic)
	return &KafkaEventRouter{ctx: ctx, producer: writer}, nil
}

func (kef *KafkaEventRouter) Process(key string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}
	return kef.producer.WriteMessages(kef.ctx, message)
}

func (kef *KafkaEventRouter) Close() error {
	return kef.producer.Close()
}

func splitBrokers(brokers string) []string {
	var addrs []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	return addrs
}
