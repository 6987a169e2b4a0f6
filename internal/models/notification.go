package models

import "time"

// Notification 交给通知通道的一条消息
type Notification struct {
	UserID       *int64                 `json:"userId,omitempty"`
	Role         string                 `json:"role,omitempty"`
	Channel      string                 `json:"channel"`
	Type         string                 `json:"type"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	RelatedTable string                 `json:"relatedEntityType,omitempty"`
	RelatedID    int64                  `json:"relatedEntityId,omitempty"`
	DedupeKey    string                 `json:"dedupeKey,omitempty"`
	ScheduledAt  *time.Time             `json:"scheduledAt,omitempty"`
	Priority     int                    `json:"priority"`
	TemplateKey  string                 `json:"templateKey,omitempty"`
	TemplateVars map[string]interface{} `json:"templateVars,omitempty"`
}
