package ledger

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/samlawlis45/pathwellconnect/pkg/models"
	"github.com/samlawlis45/pathwellconnect/pkg/stream"
)

// Sink is where the writer lands receipts. Satisfied by *Store.
type Sink interface {
	AppendReceipt(ctx context.Context, r models.Receipt) (AppendResult, error)
	AppendExternalEvent(ctx context.Context, ev models.ExternalEvent) (models.ExternalEvent, error)
}

// Writer serializes appends per chain. One goroutine owns one chain and
// drains its queue in submission order; distinct chains append in parallel.
// Downstream fan-out (bus, archive, stream) is best effort and never blocks
// or fails an append.
type Writer struct {
	sink     Sink
	bus      *Bus
	archiver Archiver
	hub      *stream.Hub

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	queueDepth  int

	mu       sync.Mutex
	chains   map[string]chan appendJob
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	closed   bool
}

type appendJob struct {
	ctx     context.Context
	receipt models.Receipt
	reply   chan appendReply
}

type appendReply struct {
	result AppendResult
	err    error
}

type WriterOption func(*Writer)

func WithBus(b *Bus) WriterOption               { return func(w *Writer) { w.bus = b } }
func WithArchiver(a Archiver) WriterOption      { return func(w *Writer) { w.archiver = a } }
func WithStreamHub(h *stream.Hub) WriterOption  { return func(w *Writer) { w.hub = h } }
func WithMaxAttempts(n int) WriterOption        { return func(w *Writer) { w.maxAttempts = n } }
func WithRetryBase(d time.Duration) WriterOption { return func(w *Writer) { w.baseDelay = d } }

func NewWriter(sink Sink, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:        sink,
		maxAttempts: 5,
		baseDelay:   50 * time.Millisecond,
		maxDelay:    2 * time.Second,
		queueDepth:  256,
		chains:      map[string]chan appendJob{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SubmitReceipt appends a receipt through its chain's writer goroutine and
// waits for the outcome.
func (w *Writer) SubmitReceipt(ctx context.Context, r models.Receipt) (AppendResult, error) {
	ch, err := w.chainQueue(ChainKey(r.TenantID))
	if err != nil {
		return AppendResult{}, err
	}
	job := appendJob{ctx: ctx, receipt: r, reply: make(chan appendReply, 1)}
	select {
	case ch <- job:
		w.inflight.Done()
	case <-ctx.Done():
		w.inflight.Done()
		return AppendResult{}, ctx.Err()
	}
	select {
	case rep := <-job.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// SubmitExternalEvent stores an external event. External events carry no
// chain link, so they bypass the per-chain queues.
func (w *Writer) SubmitExternalEvent(ctx context.Context, ev models.ExternalEvent) (models.ExternalEvent, error) {
	stored, err := w.sink.AppendExternalEvent(ctx, ev)
	if err != nil {
		return models.ExternalEvent{}, err
	}
	w.fanOut("external_event", stored)
	return stored, nil
}

// chainQueue hands out the chain's queue and registers the pending send with
// the inflight group, so Close cannot close the channel underneath it.
func (w *Writer) chainQueue(key string) (chan appendJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriteFailed
	}
	ch, ok := w.chains[key]
	if !ok {
		ch = make(chan appendJob, w.queueDepth)
		w.chains[key] = ch
		w.wg.Add(1)
		go w.runChain(key, ch)
	}
	w.inflight.Add(1)
	return ch, nil
}

func (w *Writer) runChain(_ string, ch chan appendJob) {
	defer w.wg.Done()
	for job := range ch {
		result, err := w.appendWithRetry(job.ctx, job.receipt)
		if err == nil && result.Stored {
			w.fanOut("receipt_appended", result.Receipt)
		}
		job.reply <- appendReply{result: result, err: err}
	}
}

// appendWithRetry retries transient sink failures with capped exponential
// backoff. The job keeps its queue slot for the whole retry loop, so later
// receipts of the same chain can never overtake it.
func (w *Writer) appendWithRetry(ctx context.Context, r models.Receipt) (AppendResult, error) {
	delay := w.baseDelay
	var lastErr error
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return AppendResult{}, ctx.Err()
			}
			delay *= 2
			if delay > w.maxDelay {
				delay = w.maxDelay
			}
		}
		result, err := w.sink.AppendReceipt(ctx, r)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return AppendResult{}, lastErr
}

func (w *Writer) fanOut(eventType string, payload any) {
	if w.bus != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			if err := w.bus.Publish(context.Background(), eventType, raw); err != nil {
				log.Printf("ledger: bus publish failed: %v", err)
			}
		}
	}
	if w.archiver != nil {
		if rec, ok := payload.(models.Receipt); ok {
			if err := w.archiver.Archive(context.Background(), rec); err != nil {
				log.Printf("ledger: archive failed: %v", err)
			}
		}
	}
	if w.hub != nil {
		w.hub.Publish(stream.NewEvent(eventType, payload))
	}
}

// Close drains all chain queues and stops the writer goroutines. Submissions
// that already hold a queue slot land before the queues close; later ones get
// ErrWriteFailed.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.inflight.Wait()
	w.mu.Lock()
	for _, ch := range w.chains {
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
