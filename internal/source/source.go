// Package source implements the Partition Stream Builder: one record
// stream per partition of a configured topic, built against a small
// broker-client contract so the core has no hard dependency on a specific
// wire protocol. The concrete client (source/kgoclient) wraps franz-go;
// the per-partition poll-loop shape here is grounded on the pack's
// uber-go/kafka-client partitionConsumer and kafeventstore's
// one-goroutine-per-partition layout.
package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

// OffsetPolicy selects where each partition's stream begins, per spec §3.
type OffsetPolicy int

const (
	Earliest OffsetPolicy = iota
	Latest
)

// SASLPlain carries SASL/PLAIN credentials, per spec §6.1.
type SASLPlain struct {
	Username string
	Password string
}

// Config is SourceConfig from spec §3: immutable after construction.
type Config struct {
	Brokers        []string
	GroupID        string
	Topic          string
	BatchSizeBytes int32 // bytes per fetch (resolved Open Question, SPEC_FULL §4.4)
	Offset         OffsetPolicy
	SASL           *SASLPlain
}

// pollTimeout and emptyPollBackoff are the fixed waits from spec §4.4.
const (
	pollTimeout      = 1 * time.Second
	emptyPollBackoff = 10 * time.Second
)

// Client is the abstract broker contract the Builder depends on (spec §6.4
// host-injected "authenticated broker client").
type Client interface {
	// ListTopics returns every topic name visible to the client.
	ListTopics(ctx context.Context) ([]string, error)
	// PartitionCount returns the number of partitions for topic.
	PartitionCount(ctx context.Context, topic string) (int32, error)
	// EarliestOffset returns the oldest available offset for a partition.
	EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error)
	// HighWaterOffset returns the next offset after the last committed
	// record of a partition.
	HighWaterOffset(ctx context.Context, topic string, partition int32) (int64, error)
	// Poll fetches up to maxBytes of records starting at offset, waiting
	// at most timeout. An empty, non-error result means no records were
	// available within timeout.
	Poll(ctx context.Context, topic string, partition int32, offset int64, maxBytes int32, timeout time.Duration) ([]record.Record, error)
}

// Item is one element of a partition's record stream: either a Record or a
// fatal stream-level error (spec §4.4 Termination), never both.
type Item struct {
	Record record.Record
	Err    error
}

// Stream is one partition's never-ending (until fatal error) record feed.
type Stream struct {
	Partition int32
	Items     <-chan Item
}

// Builder constructs one Stream per partition of a topic.
type Builder struct {
	client           Client
	logger           *zap.Logger
	emptyPollBackoff time.Duration
}

// Option customizes a Builder.
type Option func(*Builder)

// WithEmptyPollBackoff overrides the spec's 10-second idle-partition
// backoff; intended for tests that cannot wait 10 real seconds.
func WithEmptyPollBackoff(d time.Duration) Option {
	return func(b *Builder) { b.emptyPollBackoff = d }
}

// NewBuilder returns a Builder over the given broker client.
func NewBuilder(client Client, logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{client: client, logger: logger, emptyPollBackoff: emptyPollBackoff}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves cfg.Topic's partitions and starts one poll-loop goroutine
// per partition, per spec §4.4's startup sequence.
func (b *Builder) Build(ctx context.Context, cfg Config) ([]Stream, error) {
	topics, err := b.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing topics: %v", wasmerrors.ErrBrokerUnavailable, err)
	}
	found := false
	for _, t := range topics {
		if t == cfg.Topic {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", wasmerrors.ErrTopicNotFound, cfg.Topic)
	}

	count, err := b.client.PartitionCount(ctx, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving partitions for %s: %v", wasmerrors.ErrBrokerUnavailable, cfg.Topic, err)
	}

	streams := make([]Stream, 0, count)
	for p := int32(0); p < count; p++ {
		startOffset, err := b.resolveStartOffset(ctx, cfg, p)
		if err != nil {
			return nil, err
		}
		items := make(chan Item)
		go b.run(ctx, cfg, p, startOffset, items)
		streams = append(streams, Stream{Partition: p, Items: items})
	}
	return streams, nil
}

func (b *Builder) resolveStartOffset(ctx context.Context, cfg Config, partition int32) (int64, error) {
	var (
		offset int64
		err    error
	)
	switch cfg.Offset {
	case Earliest:
		offset, err = b.client.EarliestOffset(ctx, cfg.Topic, partition)
	default:
		offset, err = b.client.HighWaterOffset(ctx, cfg.Topic, partition)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: resolving start offset for %s/%d: %v", wasmerrors.ErrBrokerUnavailable, cfg.Topic, partition, err)
	}
	return offset, nil
}

// run drives one partition's poll loop until a fatal transport error, per
// spec §4.4 Termination: "surfaced as a stream-level failure rather than
// silent termination."
func (b *Builder) run(ctx context.Context, cfg Config, partition int32, offset int64, out chan<- Item) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, err := b.client.Poll(ctx, cfg.Topic, partition, offset, cfg.BatchSizeBytes, pollTimeout)
		if err != nil {
			b.logger.Warn("partition stream fatal error", zap.String("topic", cfg.Topic), zap.Int32("partition", partition), zap.Error(err))
			select {
			case out <- Item{Err: fmt.Errorf("%w: %s/%d: %v", wasmerrors.ErrBrokerUnavailable, cfg.Topic, partition, err)}:
			case <-ctx.Done():
			}
			return
		}

		if len(records) == 0 {
			select {
			case <-time.After(b.emptyPollBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, r := range records {
			select {
			case out <- Item{Record: r}:
			case <-ctx.Done():
				return
			}
		}
		offset = records[len(records)-1].Offset + 1
	}
}
