// Package worker moves audit writes off the request path.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/billing"
)

var (
	ErrQueueFull   = errors.New("worker: audit queue full")
	ErrQueueClosed = errors.New("worker: audit queue closed")
)

const (
	DefaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

type Queue interface {
	Enqueue(ctx context.Context, log *billing.UsageLog) error
	Process(ctx context.Context) error // starts the worker loop
}

// AuditQueue buffers audit entries and writes them to a billing.Store from a
// single goroutine. Enqueue never blocks; a full buffer drops the entry with
// ErrQueueFull, which the recorder logs.
type AuditQueue struct {
	store   billing.Store
	jobs    chan *billing.UsageLog
	logger  *zap.Logger
	written atomic.Int64
	dropped atomic.Int64

	// mu orders Enqueue's send against close: senders hold it shared, and
	// close takes it exclusively, so nothing lands in jobs after the drain.
	mu     sync.RWMutex
	closed bool
}

var (
	_ Queue        = (*AuditQueue)(nil)
	_ billing.Sink = (*AuditQueue)(nil)
)

func NewAuditQueue(store billing.Store, size int, logger *zap.Logger) *AuditQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditQueue{
		store:  store,
		jobs:   make(chan *billing.UsageLog, size),
		logger: logger,
	}
}

func (q *AuditQueue) Enqueue(_ context.Context, log *billing.UsageLog) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- log:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

func (q *AuditQueue) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	return q.Enqueue(ctx, log)
}

// Process writes entries until ctx is done, then drains what is buffered.
func (q *AuditQueue) Process(ctx context.Context) error {
	for {
		select {
		case log := <-q.jobs:
			q.write(ctx, log)
		case <-ctx.Done():
			q.close()
			q.drain()
			return ctx.Err()
		}
	}
}

func (q *AuditQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *AuditQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case log := <-q.jobs:
			q.write(ctx, log)
		default:
			return
		}
	}
}

func (q *AuditQueue) write(ctx context.Context, log *billing.UsageLog) {
	if err := q.store.LogUsage(ctx, log); err != nil {
		q.logger.Warn("audit write failed",
			zap.String("scope", log.Scope),
			zap.String("request_id", log.RequestID),
			zap.Error(err))
		return
	}
	q.written.Add(1)
}

// Stats reports entries written and dropped since start.
func (q *AuditQueue) Stats() (written, dropped int64) {
	return q.written.Load(), q.dropped.Load()
}
