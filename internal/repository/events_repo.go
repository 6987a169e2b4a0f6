package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dentra-dispatch/internal/models"
)

const (
	// DefaultEventPriority 生产者未指定时的优先级
	DefaultEventPriority = 50
	// MaxErrorLength last_error 最大长度
	MaxErrorLength = 2000
)

// EventsRepository 持久化事件队列
type EventsRepository interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (int64, error)
	Claim(ctx context.Context, workerID string, lease time.Duration) (*models.Event, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string, retryDelay time.Duration) (models.EventStatus, error)
	CountPending(ctx context.Context) (int, error)
	Get(ctx context.Context, id int64) (*models.Event, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.Event, error)
}

// EnqueueRequest 入队参数。Priority 为 0 时也按 0 处理，调用方应显式设置。
type EnqueueRequest struct {
	Type            models.EventType
	Payload         interface{}
	Priority        int
	AvailableAt     *time.Time
	DedupeKey       string
	MaxAttempts     int
	CorrelationID   string
	CreatedByUserID *int64
}

// NewEnqueueRequest 默认优先级的入队请求
func NewEnqueueRequest(eventType models.EventType, payload interface{}) EnqueueRequest {
	return EnqueueRequest{Type: eventType, Payload: payload, Priority: DefaultEventPriority}
}

// EventStoreOptions 事件仓库公共参数
type EventStoreOptions struct {
	MaxAttempts        int
	DedupeTTL          time.Duration
	DeadLetterState    bool // false 时耗尽重试的事件标记为 FAILED
	LegacyPendingAlias bool // true 时 PENDING 视同 NEW
}

// DefaultEventStoreOptions 默认参数
func DefaultEventStoreOptions() EventStoreOptions {
	return EventStoreOptions{
		MaxAttempts:     8,
		DedupeTTL:       24 * time.Hour,
		DeadLetterState: true,
	}
}

func (o EventStoreOptions) pendingStatuses() []string {
	if o.LegacyPendingAlias {
		return []string{string(models.EventStatusNew), string(models.EventStatusPending)}
	}
	return []string{string(models.EventStatusNew)}
}

func (o EventStoreOptions) exhaustedStatus() models.EventStatus {
	if o.DeadLetterState {
		return models.EventStatusDead
	}
	return models.EventStatusFailed
}

func (o EventStoreOptions) isPending(s models.EventStatus) bool {
	for _, p := range o.pendingStatuses() {
		if string(s) == p {
			return true
		}
	}
	return false
}

func validateEnqueue(req EnqueueRequest) (models.EventType, []byte, error) {
	eventType := req.Type.Normalize()
	if eventType == "" {
		return "", nil, fmt.Errorf("event_type is required")
	}

	var payload []byte
	switch p := req.Payload.(type) {
	case nil:
		payload = []byte("{}")
	case json.RawMessage:
		payload = p
	case []byte:
		payload = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = b
	}
	if !json.Valid(payload) {
		return "", nil, fmt.Errorf("payload is not valid JSON")
	}
	return eventType, payload, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
