package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dentra-dispatch/internal/models"
)

// MemoryEventsRepository 内存事件队列，语义与 Postgres 实现一致
type MemoryEventsRepository struct {
	mu     sync.Mutex
	events map[int64]*models.Event
	nextID int64
	ledger IdempotencyRepository
	opts   EventStoreOptions
	now    Clock
}

// NewMemoryEventsRepository 创建内存事件队列
func NewMemoryEventsRepository(ledger IdempotencyRepository, opts EventStoreOptions, now Clock) *MemoryEventsRepository {
	if now == nil {
		now = SystemClock
	}
	if ledger == nil {
		ledger = NewMemoryIdempotencyRepository(now)
	}
	return &MemoryEventsRepository{
		events: make(map[int64]*models.Event),
		ledger: ledger,
		opts:   opts,
		now:    now,
	}
}

func (r *MemoryEventsRepository) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	eventType, payload, err := validateEnqueue(req)
	if err != nil {
		return 0, err
	}
	if req.DedupeKey != "" {
		ok, err := r.ledger.TryAcquire(ctx, nil, req.DedupeKey, "enqueue", r.opts.DedupeTTL)
		if err != nil || !ok {
			return 0, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.nextID++
	ev := &models.Event{
		ID:              r.nextID,
		Type:            eventType,
		Payload:         payload,
		Status:          models.EventStatusNew,
		Priority:        req.Priority,
		MaxAttempts:     req.MaxAttempts,
		AvailableAt:     now,
		CorrelationID:   optionalString(req.CorrelationID),
		CreatedByUserID: req.CreatedByUserID,
		CreatedAt:       now,
	}
	if ev.MaxAttempts <= 0 {
		ev.MaxAttempts = r.opts.MaxAttempts
	}
	if req.AvailableAt != nil {
		ev.AvailableAt = *req.AvailableAt
	}
	r.events[ev.ID] = ev
	return ev.ID, nil
}

func (r *MemoryEventsRepository) claimable(ev *models.Event, now time.Time) bool {
	leaseFree := ev.LeaseExpiresAt == nil || !ev.LeaseExpiresAt.After(now)
	if r.opts.isPending(ev.Status) {
		return !ev.AvailableAt.After(now) && leaseFree
	}
	return ev.Status == models.EventStatusProcessing && ev.LeaseExpiresAt != nil && leaseFree
}

func (r *MemoryEventsRepository) Claim(_ context.Context, workerID string, lease time.Duration) (*models.Event, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var best *models.Event
	for _, ev := range r.events {
		if !r.claimable(ev, now) {
			continue
		}
		if best == nil || ev.Priority > best.Priority || (ev.Priority == best.Priority && ev.ID < best.ID) {
			best = ev
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(lease)
	owner := workerID
	best.Status = models.EventStatusProcessing
	best.LeaseOwner = &owner
	best.LeaseExpiresAt = &expires
	best.Attempts++
	best.LastError = nil

	out := *best
	return &out, nil
}

func (r *MemoryEventsRepository) MarkDone(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil
	}
	now := r.now()
	ev.Status = models.EventStatusDone
	ev.ProcessedAt = &now
	ev.LeaseOwner = nil
	ev.LeaseExpiresAt = nil
	ev.LastError = nil
	return nil
}

func (r *MemoryEventsRepository) MarkFailed(_ context.Context, id int64, errText string, retryDelay time.Duration) (models.EventStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return "", ErrNotFound
	}
	msg := TruncateError(errText, MaxErrorLength)
	ev.LastError = &msg
	ev.LeaseOwner = nil
	ev.LeaseExpiresAt = nil
	if ev.Attempts >= ev.MaxAttempts {
		ev.Status = r.opts.exhaustedStatus()
	} else {
		ev.Status = models.EventStatusNew
		ev.AvailableAt = r.now().Add(retryDelay)
	}
	return ev.Status, nil
}

func (r *MemoryEventsRepository) CountPending(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, ev := range r.events {
		if r.claimable(ev, now) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryEventsRepository) Get(_ context.Context, id int64) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ev
	return &out, nil
}

func (r *MemoryEventsRepository) ListDeadLetters(_ context.Context, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Event
	for _, ev := range r.events {
		if ev.Status == models.EventStatusDead || ev.Status == models.EventStatusFailed {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
