// Package kgoclient is the source.Client implementation backed by
// github.com/twmb/franz-go, the only broker library in the corpus. It
// wraps a direct (non-group) kgo.Client per spec §3 — wasmflow assigns
// partitions explicitly rather than joining a consumer group — plus a
// kadm.Client for the metadata and offset-listing calls the Partition
// Stream Builder needs before it can start polling.
package kgoclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/wasmflow/wasmflow/internal/record"
)

// Client wraps a direct-consume kgo.Client and its kadm admin sibling.
type Client struct {
	cl  *kgo.Client
	adm *kadm.Client
}

// SASLPlain carries SASL/PLAIN credentials for the broker connection.
type SASLPlain struct {
	Username string
	Password string
}

// New dials brokers and returns a Client with no partitions assigned yet.
// Partitions are added by Poll, via AddConsumePartitions.
func New(ctx context.Context, brokers []string, batchSizeBytes int32, sasl *SASLPlain) (*Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
	}
	if batchSizeBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(batchSizeBytes))
	}
	if sasl != nil {
		opts = append(opts, kgo.SASL(plain.Auth{User: sasl.Username, Pass: sasl.Password}.AsMechanism()))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kgoclient: dialing brokers: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("kgoclient: pinging brokers: %w", err)
	}

	return &Client{cl: cl, adm: kadm.NewClient(cl)}, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	c.adm.Close()
	c.cl.Close()
}

func (c *Client) ListTopics(ctx context.Context) ([]string, error) {
	md, err := c.adm.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("kgoclient: listing topics: %w", err)
	}
	names := make([]string, 0, len(md))
	for name := range md {
		names = append(names, name)
	}
	return names, nil
}

func (c *Client) PartitionCount(ctx context.Context, topic string) (int32, error) {
	md, err := c.adm.ListTopics(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("kgoclient: describing topic %s: %w", topic, err)
	}
	detail, ok := md[topic]
	if !ok {
		return 0, fmt.Errorf("kgoclient: topic %s not found in metadata", topic)
	}
	if detail.Err != nil {
		return 0, fmt.Errorf("kgoclient: topic %s: %w", topic, detail.Err)
	}
	return int32(len(detail.Partitions)), nil
}

func (c *Client) EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return c.listOffset(ctx, topic, partition, c.adm.ListStartOffsets)
}

func (c *Client) HighWaterOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return c.listOffset(ctx, topic, partition, c.adm.ListEndOffsets)
}

func (c *Client) listOffset(ctx context.Context, topic string, partition int32, list func(context.Context, ...string) (kadm.ListedOffsets, error)) (int64, error) {
	offsets, err := list(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("kgoclient: listing offsets for %s: %w", topic, err)
	}
	o, ok := offsets.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("kgoclient: no offset entry for %s/%d", topic, partition)
	}
	if o.Err != nil {
		return 0, fmt.Errorf("kgoclient: %s/%d: %w", topic, partition, o.Err)
	}
	return o.Offset, nil
}

// Poll passes topic/partition at offset to AddConsumePartitions on every
// call and fetches, waiting at most timeout for at least one record.
// maxBytes is accepted for source.Client
// conformance but not applied per call: the fetch size is fixed for the
// client's lifetime via kgo.FetchMaxBytes, set once in New from the same
// Config.BatchSizeBytes value every partition shares.
func (c *Client) Poll(ctx context.Context, topic string, partition int32, offset int64, maxBytes int32, timeout time.Duration) ([]record.Record, error) {
	c.cl.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		topic: {partition: kgo.NewOffset().At(offset)},
	})

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.cl.PollFetches(pollCtx)

	var fatal error
	fetches.EachError(func(t string, p int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The per-poll timeout expired with nothing fetched: an empty
			// result, not a transport failure.
			return
		}
		if fatal == nil {
			fatal = fmt.Errorf("kgoclient: fetch error %s/%d: %w", t, p, err)
		}
	})
	if fatal != nil {
		return nil, fatal
	}

	var out []record.Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, toRecord(r))
	})
	return out, nil
}

func toRecord(r *kgo.Record) record.Record {
	headers := make([]record.Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = record.Header{Name: h.Key, Value: h.Value}
	}
	return record.Record{
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Offset:    r.Offset,
		Partition: r.Partition,
		Topic:     r.Topic,
		Timestamp: r.Timestamp.Unix(),
	}
}
