// Package kafka wraps franz-go with the small producer and consumer surface
// the engine needs, so JSON encoding, headers, acks and offset commits are
// handled one way.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	// Brokers is the list of seed brokers
	Brokers []string
	// ClientID identifies this producer to the cluster
	ClientID string
	// MaxRetries is the per-record retry limit (0 = kgo default)
	MaxRetries int
	// RetryInterval is the flat backoff between record retries (0 = kgo default)
	RetryInterval time.Duration
}

// Message is a raw Kafka message
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer is a thin wrapper over a kgo client configured for producing
type Producer struct {
	client *kgo.Client
}

// NewProducer creates a producer and verifies broker connectivity
func NewProducer(ctx context.Context, cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer requires at least one broker")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, kgo.RecordRetries(cfg.MaxRetries))
	}
	if cfg.RetryInterval > 0 {
		interval := cfg.RetryInterval
		opts = append(opts, kgo.RetryBackoffFn(func(tries int) time.Duration {
			return interval
		}))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	return &Producer{client: client}, nil
}

// Produce sends a raw message and waits for the ack
func (p *Producer) Produce(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", msg.Topic, err)
	}

	return nil
}

// ProduceJSON marshals the value to JSON and sends it with the given headers
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, value interface{}, headers map[string]string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}

	return p.Produce(ctx, &Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
}

// Ping verifies broker connectivity, used by readiness probes
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Client exposes the underlying kgo client (used for admin and tests)
func (p *Producer) Client() *kgo.Client {
	return p.client
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	p.client.Close()
}
