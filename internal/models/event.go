package models

import (
	"encoding/json"
	"time"
)

// EventStatus 事件状态（封闭枚举）
type EventStatus string

const (
	EventStatusNew        EventStatus = "NEW"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusDone       EventStatus = "DONE"
	EventStatusFailed     EventStatus = "FAILED"
	EventStatusDead       EventStatus = "DEAD"

	// EventStatusPending 旧版生产者写入的 NEW 别名
	EventStatusPending EventStatus = "PENDING"
)

// IsTerminal 终态不会再被领取
func (s EventStatus) IsTerminal() bool {
	switch s {
	case EventStatusDone, EventStatusFailed, EventStatusDead:
		return true
	}
	return false
}

// Event agent_events 表中的一行
type Event struct {
	ID              int64           `json:"id"`
	Type            EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          EventStatus     `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	AvailableAt     time.Time       `json:"available_at"`
	LeaseOwner      *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
	CorrelationID   *string         `json:"correlation_id,omitempty"`
	CreatedByUserID *int64          `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// LeaseActive 租约是否仍然有效
func (e *Event) LeaseActive(now time.Time) bool {
	return e.Status == EventStatusProcessing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// DecodePayload 将 payload 解析到 v；空 payload 视为 {}
func (e *Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
