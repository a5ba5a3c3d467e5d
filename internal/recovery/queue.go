// Package recovery holds failed vector-service mutations in a bounded
// in-memory queue and replays them once the service is reachable again.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Kind identifies the type of a queued mutation.
type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one failed mutation awaiting replay. Payload is the
// kind-specific JSON body the replayer understands.
type Operation struct {
	ID       string
	Kind     Kind
	Payload  json.RawMessage
	QueuedAt time.Time
	Retries  int
}

// NewOperation builds an Operation with a unique id. The payload must be
// JSON-marshalable.
func NewOperation(kind Kind, payload any) (Operation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	now := time.Now()
	return Operation{
		ID:       fmt.Sprintf("%s-%d-%s", kind, now.UnixNano(), uuid.NewString()[:8]),
		Kind:     kind,
		Payload:  data,
		QueuedAt: now,
	}, nil
}

// Replayer executes a queued operation against the vector service.
// A nil error means the operation succeeded and can be discarded.
type Replayer interface {
	Replay(ctx context.Context, op Operation) error
}

const (
	defaultCapacity = 1000
	maxRetries      = 3
	maxAge          = 24 * time.Hour
	replayWorkers   = 4
)

// Queue is a bounded FIFO of failed operations. When full, the oldest
// operation is evicted to make room. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	ops   map[string]*Operation
	order []string

	capacity int
	draining atomic.Bool
	logger   *slog.Logger

	now func() time.Time // test hook
}

// NewQueue creates an empty queue with the default capacity of 1000.
func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		ops:      make(map[string]*Operation),
		capacity: defaultCapacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue adds an operation for later replay. If the queue is at capacity
// the oldest entry is dropped first.
func (q *Queue) Enqueue(op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) >= q.capacity {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.ops, oldest)
		q.logger.Warn("recovery queue full, evicting oldest operation", "evicted", oldest)
	}

	q.ops[op.ID] = &op
	q.order = append(q.order, op.ID)
	q.logger.Info("queued operation for recovery", "id", op.ID, "kind", op.Kind, "depth", len(q.order))
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Drain replays all queued operations through r. Expired operations
// (queued longer than 24h) and operations that have failed 3 times are
// dropped without replay. Overlapping drains are rejected: if a drain is
// already running the call returns immediately.
//
// Returns the number of operations successfully replayed.
func (q *Queue) Drain(ctx context.Context, r Replayer) int {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("drain already in progress, skipping")
		return 0
	}
	defer q.draining.Store(false)

	batch := q.takeAll()
	if len(batch) == 0 {
		return 0
	}

	q.logger.Info("draining recovery queue", "operations", len(batch))

	var replayed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replayWorkers)

	for _, op := range batch {
		op := op
		if age := q.now().Sub(op.QueuedAt); age > maxAge {
			q.logger.Warn("dropping expired operation", "id", op.ID, "age", age)
			continue
		}
		if op.Retries >= maxRetries {
			q.logger.Warn("dropping operation after max retries", "id", op.ID, "retries", op.Retries)
			continue
		}

		g.Go(func() error {
			if err := r.Replay(gctx, op); err != nil {
				op.Retries++
				q.requeue(op)
				q.logger.Warn("replay failed, requeued", "id", op.ID, "retries", op.Retries, "error", err)
				return nil
			}
			replayed.Add(1)
			q.logger.Info("replayed operation", "id", op.ID, "kind", op.Kind)
			return nil
		})
	}

	g.Wait()
	return int(replayed.Load())
}

// takeAll removes and returns every queued operation in FIFO order.
func (q *Queue) takeAll() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]Operation, 0, len(q.order))
	for _, id := range q.order {
		batch = append(batch, *q.ops[id])
	}
	q.ops = make(map[string]*Operation)
	q.order = nil
	return batch
}

func (q *Queue) requeue(op Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) >= q.capacity {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.ops, oldest)
	}
	q.ops[op.ID] = &op
	q.order = append(q.order, op.ID)
}
