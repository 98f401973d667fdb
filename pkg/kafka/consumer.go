package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ConsumerConfig holds Kafka consumer group configuration
type ConsumerConfig struct {
	// Brokers is the list of seed brokers
	Brokers []string
	// GroupID is the consumer group this consumer joins
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// ClientID identifies this consumer to the cluster
	ClientID string
}

// Record is a consumed Kafka record. Offsets are committed explicitly via
// Consumer.CommitRecords after processing succeeds.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	raw *kgo.Record
}

// Header returns the value of the named header, or "" if absent
func (r *Record) Header(key string) string {
	return r.Headers[key]
}

// Consumer is a thin wrapper over a kgo client in a consumer group.
// Auto-commit is disabled; callers own the commit.
type Consumer struct {
	client *kgo.Client
}

// NewConsumer creates a consumer group member and verifies broker connectivity
func NewConsumer(ctx context.Context, cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires a group id")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka brokers: %w", err)
	}

	return &Consumer{client: client}, nil
}

// Poll blocks until at least one record is available or the context is done
func (c *Consumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka client closed")
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				return nil, fe.Err
			}
		}
		return nil, fmt.Errorf("failed to fetch from %s: %w", errs[0].Topic, errs[0].Err)
	}

	var records []*Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, fromKgo(r))
	})
	return records, nil
}

// CommitRecords commits offsets for the given records. Records that were not
// produced by Poll (e.g. constructed in tests) are skipped.
func (c *Consumer) CommitRecords(ctx context.Context, records []*Record) error {
	raw := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if r != nil && r.raw != nil {
			raw = append(raw, r.raw)
		}
	}
	if len(raw) == 0 {
		return nil
	}

	if err := c.client.CommitRecords(ctx, raw...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

// Client exposes the underlying kgo client
func (c *Consumer) Client() *kgo.Client {
	return c.client
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

func fromKgo(r *kgo.Record) *Record {
	rec := &Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		raw:       r,
	}
	if len(r.Headers) > 0 {
		rec.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
	}
	return rec
}
