package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/store"
)

const usageWriteTimeout = 2 * time.Second

type usageUpdate struct {
	id    string
	owner string
	at    time.Time
}

// UsageRecorder moves per-key usage writes off the request path. Updates are
// queued and written by Run; when the queue is full or the recorder is
// closed, Record writes synchronously so no update is dropped.
type UsageRecorder struct {
	store  store.APIKeyStore
	mu     sync.RWMutex
	closed bool
	queue  chan usageUpdate
	done   chan struct{}
}

func NewUsageRecorder(s store.APIKeyStore, size int) *UsageRecorder {
	return &UsageRecorder{
		store: s,
		queue: make(chan usageUpdate, size),
		done:  make(chan struct{}),
	}
}

// Record enqueues a usage update for key id.
func (r *UsageRecorder) Record(ctx context.Context, id, owner string, at time.Time) {
	u := usageUpdate{id: id, owner: owner, at: at}

	r.mu.RLock()
	if !r.closed {
		select {
		case r.queue <- u:
			r.mu.RUnlock()
			return
		default:
		}
	}
	r.mu.RUnlock()

	r.write(context.WithoutCancel(ctx), u)
}

// Run writes queued updates until Close is called and the queue is drained.
// Writes are not cancelled by ctx so that shutdown still flushes the queue.
func (r *UsageRecorder) Run(ctx context.Context) error {
	defer close(r.done)
	base := context.WithoutCancel(ctx)
	for u := range r.queue {
		r.write(base, u)
	}
	return nil
}

// Close stops accepting queued updates and waits for Run to drain, or for
// ctx to end.
func (r *UsageRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *UsageRecorder) write(ctx context.Context, u usageUpdate) {
	ctx, cancel := context.WithTimeout(ctx, usageWriteTimeout)
	defer cancel()
	if err := r.store.RecordUsage(ctx, u.id, u.owner, u.at); err != nil {
		log.Warn().Err(err).Str("key_id", u.id).Msg("failed to record api key usage")
	}
}
