package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dentra-dispatch/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const eventColumns = `id, event_type, payload_json, status, priority, attempts, max_attempts,
	available_at, lease_owner, lease_expires_at, last_error, correlation_id,
	created_by_user_id, created_at, processed_at`

// 可领取：待处理且已到期、未被租用；或租约已过期的 PROCESSING
const claimableWhere = `
	((status = ANY($1) AND available_at <= $2 AND (lease_expires_at IS NULL OR lease_expires_at <= $2))
	 OR (status = 'PROCESSING' AND lease_expires_at <= $2))`

// PostgresEventsRepository agent_events 表上的事件队列
type PostgresEventsRepository struct {
	db     *sql.DB
	ledger IdempotencyRepository
	opts   EventStoreOptions
	now    Clock
	logger *zap.Logger
}

// NewPostgresEventsRepository 创建事件仓库
func NewPostgresEventsRepository(db *sql.DB, ledger IdempotencyRepository, opts EventStoreOptions, now Clock, logger *zap.Logger) *PostgresEventsRepository {
	if now == nil {
		now = SystemClock
	}
	return &PostgresEventsRepository{db: db, ledger: ledger, opts: opts, now: now, logger: logger}
}

// Enqueue 在独立事务中入队（去重键与事件行同一事务）
func (r *PostgresEventsRepository) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := r.EnqueueTx(ctx, tx, req)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return id, nil
}

// EnqueueTx 在调用方事务内入队。去重键已被持有时返回 0, nil。
func (r *PostgresEventsRepository) EnqueueTx(ctx context.Context, q DBTX, req EnqueueRequest) (int64, error) {
	eventType, payload, err := validateEnqueue(req)
	if err != nil {
		return 0, err
	}

	if req.DedupeKey != "" {
		ok, err := r.ledger.TryAcquire(ctx, q, req.DedupeKey, "enqueue", r.opts.DedupeTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			r.logger.Debug("Duplicate enqueue suppressed",
				zap.String("event_type", string(eventType)),
				zap.String("dedupe_key", req.DedupeKey),
			)
			return 0, nil
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.opts.MaxAttempts
	}
	availableAt := r.now()
	if req.AvailableAt != nil {
		availableAt = *req.AvailableAt
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO agent_events
			(event_type, payload_json, status, priority, attempts, max_attempts,
			 available_at, correlation_id, created_by_user_id)
		VALUES ($1, $2, 'NEW', $3, 0, $4, $5, $6, $7)
		RETURNING id
	`, string(eventType), payload, req.Priority, maxAttempts, availableAt,
		optionalString(req.CorrelationID), req.CreatedByUserID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

// Claim 领取一条可处理事件并设置租约；没有可领取事件时返回 nil, nil
func (r *PostgresEventsRepository) Claim(ctx context.Context, workerID string, lease time.Duration) (*models.Event, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM agent_events
		WHERE `+claimableWhere+`
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, pq.Array(r.opts.pendingStatuses()), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable event: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE agent_events
		SET status = 'PROCESSING',
		    lease_owner = $2,
		    lease_expires_at = $3,
		    attempts = attempts + 1,
		    last_error = NULL
		WHERE id = $1
		RETURNING `+eventColumns,
		id, workerID, now.Add(lease),
	)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lease event %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return ev, nil
}

// MarkDone 标记完成；重复调用无副作用
func (r *PostgresEventsRepository) MarkDone(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE agent_events
		SET status = 'DONE',
		    processed_at = $2,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1
	`, id, r.now())
	if err != nil {
		return fmt.Errorf("failed to mark event %d done: %w", id, err)
	}
	return nil
}

// MarkFailed 未耗尽重试次数则延迟重新入队，否则进入死信
func (r *PostgresEventsRepository) MarkFailed(ctx context.Context, id int64, errText string, retryDelay time.Duration) (models.EventStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE agent_events
		SET status = CASE WHEN attempts >= max_attempts THEN $4 ELSE 'NEW' END,
		    available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE $3 END,
		    last_error = $2,
		    lease_owner = NULL,
		    lease_expires_at = NULL
		WHERE id = $1
		RETURNING status
	`, id, TruncateError(errText, MaxErrorLength), r.now().Add(retryDelay), string(r.opts.exhaustedStatus())).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark event %d failed: %w", id, err)
	}
	return models.EventStatus(status), nil
}

// CountPending 当前可领取事件数（诊断用）
func (r *PostgresEventsRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_events WHERE `+claimableWhere,
		pq.Array(r.opts.pendingStatuses()), r.now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// Get 按 ID 读取事件
func (r *PostgresEventsRepository) Get(ctx context.Context, id int64) (*models.Event, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM agent_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return ev, nil
}

// ListDeadLetters 最近的死信事件
func (r *PostgresEventsRepository) ListDeadLetters(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM agent_events
		WHERE status IN ('DEAD', 'FAILED')
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev            models.Event
		eventType     string
		status        string
		payload       []byte
		leaseOwner    sql.NullString
		leaseExpires  sql.NullTime
		lastError     sql.NullString
		correlationID sql.NullString
		createdBy     sql.NullInt64
		processedAt   sql.NullTime
	)
	err := row.Scan(
		&ev.ID, &eventType, &payload, &status, &ev.Priority, &ev.Attempts, &ev.MaxAttempts,
		&ev.AvailableAt, &leaseOwner, &leaseExpires, &lastError, &correlationID,
		&createdBy, &ev.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Type = models.EventType(eventType)
	ev.Status = models.EventStatus(status)
	ev.Payload = append([]byte(nil), payload...)
	if leaseOwner.Valid {
		ev.LeaseOwner = &leaseOwner.String
	}
	if leaseExpires.Valid {
		ev.LeaseExpiresAt = &leaseExpires.Time
	}
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	if correlationID.Valid {
		ev.CorrelationID = &correlationID.String
	}
	if createdBy.Valid {
		ev.CreatedByUserID = &createdBy.Int64
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	return &ev, nil
}
