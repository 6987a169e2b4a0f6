package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dentra-dispatch/internal/consumer"
	"dentra-dispatch/internal/models"
	"dentra-dispatch/internal/repository"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Options HTTP 客户端参数
type Options struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// DefaultOptions 默认 10s 超时，重试 3 次
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		RetryCount:   3,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 5 * time.Second,
	}
}

// eventRequest 推送给协作服务的事件
type eventRequest struct {
	EventID   int64           `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// RemoteHandler 将事件转发给库存、收入、病例等外部服务
type RemoteHandler struct {
	name       string
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRemoteHandler 创建远程处理器，baseURL 为协作服务地址
func NewRemoteHandler(name, baseURL string, opts Options, logger *zap.Logger) *RemoteHandler {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 网络错误与 5xx 重试，4xx 直接返回
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RemoteHandler{
		name:       name,
		httpClient: client,
		logger:     logger.With(zap.String("collaborator", name)),
	}
}

func (h *RemoteHandler) Name() string { return h.name }

// Handle POST /events；409 视为数据异常，其它非 2xx 返回错误交由重试
func (h *RemoteHandler) Handle(ctx context.Context, _ *repository.Tx, ev models.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	resp, err := h.httpClient.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", fmt.Sprintf("event:%d:%s", ev.ID, h.name)).
		SetBody(eventRequest{EventID: ev.ID, EventType: string(ev.Type), Payload: payload}).
		Post("/events")
	if err != nil {
		h.logger.Error("Collaborator call failed",
			zap.Int64("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call %s service: %w", h.name, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusConflict:
		return fmt.Errorf("%s service rejected event %d: %s: %w", h.name, ev.ID, body(resp), consumer.ErrAnomaly)
	case code < 200 || code >= 300:
		return fmt.Errorf("%s service returned %d: %s", h.name, code, body(resp))
	}

	h.logger.Debug("Collaborator accepted event",
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}

func body(resp *resty.Response) string {
	return repository.TruncateError(strings.TrimSpace(resp.String()), 200)
}
