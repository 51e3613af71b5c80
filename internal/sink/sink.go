// Package sink implements the Buffered Sink: per-partition byte
// accumulators with size-triggered flush, retried upload, and keyed object
// placement. The buffer-manager shape (a mutex-guarded map keyed by
// partition, with each buffer created under the lock on first write) is
// grounded on the pack's
// kafeventstore buffer.Manager; the flush/retry/backoff shape follows the
// original wasmflow S3 writer, generalized from one shared buffer to one
// buffer per partition as spec §3/§4.3 require.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

// Writer is the capability the Guest Host's s3-sink import dispatches to.
type Writer interface {
	Write(ctx context.Context, partition int32, body []byte) record.Status
}

// Uploader is the Buffered Sink's abstraction over "place these bytes at
// this key in the object store". The production implementation
// (sink/s3uploader) wraps the AWS S3 SDK; tests supply fakes.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body []byte) error
}

// Meter receives flush outcome observations. The production implementation
// (internal/metrics) is Prometheus-backed; a nil Meter (the default) turns
// observation into a no-op.
type Meter interface {
	FlushSucceeded(partition int32, n int)
	FlushFailed(partition int32, permanent bool)
}

// Config is SinkConfig from spec §3: immutable after construction.
type Config struct {
	Region        string
	Bucket        string
	KeyPrefix     string
	FileSizeBytes int

	// FlushOnShutdown resolves the open question in spec §9: when true,
	// cmd/wasmflow calls Drain and Wait after the Dispatcher returns. The
	// Sink itself does not read this field. Default false matches the
	// original's drop-on-cancel behavior.
	FlushOnShutdown bool

	// MaxElapsedTime bounds the total retry budget for one flush's
	// backoff (spec §4.3 Retry: "retried ... until the backoff budget
	// exhausts"). Zero means backoff.DefaultMaxElapsedTime.
	MaxElapsedTime time.Duration
}

// highWaterFraction is the 0.8 slack factor from spec §4.3.
const highWaterFraction = 0.8

// Sink owns one accumulator per partition and flushes it across the
// highWaterFraction threshold.
type Sink struct {
	cfg      Config
	uploader Uploader
	logger   *zap.Logger
	now      func() time.Time
	meter    Meter

	mu      sync.Mutex
	buffers map[int32]*bytesBuffer

	wg sync.WaitGroup
}

// Option customizes a Sink.
type Option func(*Sink)

// WithMeter attaches a Meter that observes flush outcomes.
func WithMeter(m Meter) Option {
	return func(s *Sink) { s.meter = m }
}

type noopMeter struct{}

func (noopMeter) FlushSucceeded(int32, int)  {}
func (noopMeter) FlushFailed(int32, bool)    {}

type bytesBuffer struct {
	data []byte
}

// New constructs a Sink. now defaults to time.Now; tests may inject a fixed
// clock to make key names deterministic.
func New(cfg Config, uploader Uploader, logger *zap.Logger, now func() time.Time, opts ...Option) *Sink {
	if now == nil {
		now = time.Now
	}
	s := &Sink{
		cfg:      cfg,
		uploader: uploader,
		logger:   logger,
		now:      now,
		meter:    noopMeter{},
		buffers:  make(map[int32]*bytesBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write appends body to partition's buffer, flushing (asynchronously) if
// the append crosses the high-water mark. The append/detach critical
// section is synchronous and short; the upload runs after the mutex is
// released, so concurrent partitions never block each other on I/O
// (spec §4.3 Concurrency).
func (s *Sink) Write(ctx context.Context, partition int32, body []byte) record.Status {
	flushed := s.appendAndMaybeDetach(partition, body)
	if flushed == nil {
		return record.StatusOk
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.flush(ctx, partition, flushed); err != nil {
			s.logger.Warn("sink flush failed", zap.Error(err), zap.Int32("partition", partition))
		}
	}()
	return record.StatusOk
}

// appendAndMaybeDetach holds the sink's single mutex only across this
// short critical section (spec §4.3 Concurrency / §5 shared-state table).
func (s *Sink) appendAndMaybeDetach(partition int32, body []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[partition]
	if !ok {
		buf = &bytesBuffer{data: make([]byte, 0, s.cfg.FileSizeBytes)}
		s.buffers[partition] = buf
	}

	buf.data = append(buf.data, body...)

	threshold := int(highWaterFraction * float64(s.cfg.FileSizeBytes))
	if len(buf.data) <= threshold {
		return nil
	}

	detached := buf.data
	// Replace in place: the old buffer is atomically swapped for a fresh
	// one of configured capacity before the caller (or any concurrent
	// writer) can observe a gap, so no bytes are lost or duplicated
	// between writer and uploader (spec §3 invariant).
	s.buffers[partition] = &bytesBuffer{data: make([]byte, 0, s.cfg.FileSizeBytes)}
	return detached
}

// flush uploads body under the §6.3 key layout. Per spec §4.3/§7:
// construction-time SDK errors are permanent and fail after the first
// attempt; everything else is transient and retried under exponential
// backoff with jitter until the backoff budget exhausts. The Uploader
// signals "permanent" by returning an error wrapped in backoff.Permanent.
func (s *Sink) flush(ctx context.Context, partition int32, body []byte) error {
	key := s.objectKey(partition)

	bo := backoff.NewExponentialBackOff()
	if s.cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = s.cfg.MaxElapsedTime
	}

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := s.uploader.Upload(ctx, s.cfg.Bucket, key, body)
		if err != nil && attempts > 1 {
			s.logger.Warn("sink upload retry", zap.Error(err), zap.Int32("partition", partition), zap.Int("attempt", attempts))
		}
		// backoff.Retry unwraps a PermanentError before returning it, so
		// the classification is recorded here, where the wrapper is visible.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if permanent {
			s.meter.FlushFailed(partition, true)
			return fmt.Errorf("%w: partition %d key %s: %v", wasmerrors.ErrSinkPermanent, partition, key, err)
		}
		s.meter.FlushFailed(partition, false)
		return fmt.Errorf("%w: partition %d key %s: %v", wasmerrors.ErrSinkTransient, partition, key, err)
	}
	s.meter.FlushSucceeded(partition, len(body))
	return nil
}

// objectKey builds {key_prefix}/{partition}/{YYYY}/{MM}/{DD}/{HH}/{mm}/{ss}/{uuid-v4}.
func (s *Sink) objectKey(partition int32) string {
	t := s.now()
	return fmt.Sprintf("%s/%d/%04d/%02d/%02d/%02d/%02d/%02d/%s",
		s.cfg.KeyPrefix, partition,
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(),
		uuid.New().String())
}

// Wait blocks until all flushes started before the call have completed. It
// is used by FlushOnShutdown-aware shutdown paths and by tests; it is not
// itself part of the spec's write-path contract.
func (s *Sink) Wait() {
	s.wg.Wait()
}

// Drain force-flushes every non-empty partition buffer. Only invoked when
// Config.FlushOnShutdown is true (spec §9 open question resolution).
func (s *Sink) Drain(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[int32][]byte, len(s.buffers))
	for p, buf := range s.buffers {
		if len(buf.data) > 0 {
			pending[p] = buf.data
			s.buffers[p] = &bytesBuffer{data: make([]byte, 0, s.cfg.FileSizeBytes)}
		}
	}
	s.mu.Unlock()

	for partition, body := range pending {
		if err := s.flush(ctx, partition, body); err != nil {
			s.logger.Warn("sink drain flush failed", zap.Error(err), zap.Int32("partition", partition))
		}
	}
}
