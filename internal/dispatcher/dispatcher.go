// Package dispatcher owns the set of partition streams and drives them to
// completion, invoking the Guest Host once per record with an unbounded
// logical degree of parallelism. The fair-merge-then-fan-out shape mirrors
// the original wasmflow's futures::stream::select_all +
// try_for_each_concurrent(None, ...) pipeline, translated into Go channels
// and goroutines per spec §4.5/§5.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/source"
)

// Processor is the Guest Host capability the Dispatcher drives.
type Processor interface {
	ProcessRecord(ctx context.Context, r record.Record) (record.Status, error)
}

// Meter is the injected counter factory of spec §6.4. The production
// implementation (internal/metrics) is Prometheus-backed.
type Meter interface {
	RecordsProcessed(topic string, partition int32)
	RecordErrored(topic string, partition int32)
}

// Dispatcher merges partition streams and drives each record through a
// Processor.
type Dispatcher struct {
	streams []source.Stream
	host    Processor
	meter   Meter
	logger  *zap.Logger
}

// New returns a Dispatcher over streams, driving each record through host.
func New(streams []source.Stream, host Processor, meter Meter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{streams: streams, host: host, meter: meter, logger: logger}
}

// Run merges all partition streams into a fair fan-in and processes each
// record concurrently until ctx is cancelled or every stream completes.
//
// Per spec §4.5 Cancellation: cancelling ctx drops all partition streams
// and in-flight record tasks at their next suspension point — Run returns
// promptly on cancellation without waiting for in-flight record tasks to
// finish, and makes no effort to drain the Buffered Sink (see Config
// FlushOnShutdown in SPEC_FULL.md for the opt-in drain knob).
func (d *Dispatcher) Run(ctx context.Context) error {
	merged := fanIn(ctx, d.streams)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-merged:
			if !ok {
				wg.Wait()
				return nil
			}
			if item.Err != nil {
				d.logger.Warn("partition stream failed", zap.Error(item.Err))
				continue
			}
			rec := item.Record
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.process(ctx, rec)
			}()
		}
	}
}

// process drives one record through the Guest Host. It is intentionally
// the only place spec §4.5's "once handed off, records from the same
// partition may complete out of order" applies — nothing downstream of
// this call is ordered across records.
func (d *Dispatcher) process(ctx context.Context, rec record.Record) {
	defer d.meter.RecordsProcessed(rec.Topic, rec.Partition)

	status, err := d.host.ProcessRecord(ctx, rec)
	if err != nil {
		d.meter.RecordErrored(rec.Topic, rec.Partition)
		d.logger.Warn("record processing failed",
			zap.Error(err),
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		return
	}
	if status == record.StatusError {
		d.meter.RecordErrored(rec.Topic, rec.Partition)
		d.logger.Warn("guest reported error status",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
	}
}

// fanIn merges every stream's Items into one channel. There is no
// round-robin requirement (spec §4.5): any ready stream may produce.
func fanIn(ctx context.Context, streams []source.Stream) <-chan source.Item {
	out := make(chan source.Item)
	var wg sync.WaitGroup
	wg.Add(len(streams))
	for _, s := range streams {
		go func(s source.Stream) {
			defer wg.Done()
			for item := range s.Items {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
