package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// changeTopicPrefix is the Kafka topic space carrying change-log events, one
// topic per collection, mirroring the NATS subject layout.
const changeTopicPrefix = "changes."

// KafkaTransport is the alternate ingestion path: change events consumed from
// a Kafka change-log topic per collection. Selected by configuration; the
// watcher itself is transport-agnostic.
type KafkaTransport struct {
	brokers []string
	group   string
	log     zerolog.Logger
}

// NewKafkaTransport configures (but does not yet connect) a Kafka transport.
// Each collection subscription gets its own consumer, created on demand.
func NewKafkaTransport(brokers []string, group string, log zerolog.Logger) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	return &KafkaTransport{brokers: brokers, group: group, log: log}, nil
}

// Subscribe starts a consumer for the collection's change-log topic.
func (t *KafkaTransport) Subscribe(collection string, deliver func(payload []byte), closed func(err error)) (func(), error) {
	topic := changeTopicPrefix + collection
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.brokers...),
		kgo.ConsumerGroup(t.group+"."+collection),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client for %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer client.Close()
		for {
			fetches := client.PollFetches(ctx)
			if ctx.Err() != nil {
				closed(nil)
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, fe := range errs {
					t.log.Error().Err(fe.Err).Str("topic", fe.Topic).Msg("kafka fetch error")
				}
				closed(errs[0].Err)
				return
			}
			fetches.EachRecord(func(record *kgo.Record) {
				deliver(record.Value)
			})
		}
	}()

	return cancel, nil
}
