package stepglass

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBatchSize is the pending-event count that triggers an automatic
// background flush.
const DefaultBatchSize = 10

// defaultSendTimeout bounds background deliveries so a hung backend can never
// accumulate goroutines behind a fast pipeline.
const defaultSendTimeout = 10 * time.Second

// Sender delivers one ordered batch of events to the trace backend.
type Sender interface {
	Send(ctx context.Context, events []Event) error
}

// Batcher owns the pending-event buffer and the non-blocking transmission
// contract: emission is synchronous and instantaneous, delivery happens on a
// background goroutine.
//
// Delivery is at-most-once by design. A failed batch is reported to the error
// handler exactly once and dropped, never requeued; observability must not
// become a liability for the instrumented pipeline, so there is no built-in
// retry. Intra-batch event order is preserved; batches flushed concurrently
// may arrive out of order relative to each other.
type Batcher struct {
	sender      Sender
	batchSize   int
	sendTimeout time.Duration
	onError     func(error)

	mu      sync.Mutex
	pending []Event

	inflight sync.WaitGroup

	emitted       atomic.Int64
	sent          atomic.Int64
	dropped       atomic.Int64
	failedBatches atomic.Int64
}

// NewBatcher creates a Batcher delivering through sender. batchSize <= 0
// selects DefaultBatchSize. onError may be nil; it is invoked once per failed
// batch, from the delivery goroutine.
func NewBatcher(sender Sender, batchSize int, onError func(error)) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{
		sender:      sender,
		batchSize:   batchSize,
		sendTimeout: defaultSendTimeout,
		onError:     onError,
	}
}

// Emit appends one event to the pending buffer, stamping it with the current
// time. When the buffer reaches batchSize the batch is swapped out under the
// same lock and delivered on a background goroutine, so a concurrent Emit
// lands in a fresh buffer and is neither lost nor duplicated.
func (b *Batcher) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.emitted.Add(1)

	var batch []Event
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	if len(b.pending) >= b.batchSize {
		batch = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if batch == nil {
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
		defer cancel()
		b.deliver(ctx, batch)
	}()
}

// Flush swaps out the current pending buffer and delivers it synchronously.
// An empty buffer is a no-op: nothing is sent. On failure the batch is
// dropped and the error is both reported to the handler and returned.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.deliver(ctx, batch)
}

// Drain flushes the remaining buffer and waits for in-flight background
// deliveries, bounded by ctx. Call during shutdown to minimize event loss.
func (b *Batcher) Drain(ctx context.Context) error {
	err := b.Flush(ctx)

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) deliver(ctx context.Context, batch []Event) error {
	if err := b.sender.Send(ctx, batch); err != nil {
		b.failedBatches.Add(1)
		b.dropped.Add(int64(len(batch)))
		if b.onError != nil {
			b.onError(err)
		}
		return err
	}
	b.sent.Add(int64(len(batch)))
	return nil
}

// Len returns the current number of pending events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stats is a snapshot of batcher delivery counters. A non-zero Dropped value
// indicates data loss from failed deliveries.
type Stats struct {
	Emitted       int64
	Sent          int64
	Dropped       int64
	FailedBatches int64
}

// Stats returns the current delivery counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Emitted:       b.emitted.Load(),
		Sent:          b.sent.Load(),
		Dropped:       b.dropped.Load(),
		FailedBatches: b.failedBatches.Load(),
	}
}
