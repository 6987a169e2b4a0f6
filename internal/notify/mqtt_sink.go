package notify

import (
	"context"
	"encoding/json"
	"strings"

	"dentra-dispatch/internal/models"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink 按通知类型发布到 <prefix>/<type>
type MQTTSink struct {
	pub    Publisher
	prefix string
	qos    byte
}

// NewMQTTSink 创建 MQTT 通道
func NewMQTTSink(pub Publisher, prefix string, qos byte) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: strings.TrimRight(prefix, "/"), qos: qos}
}

// Topic 通知类型对应的主题
func (s *MQTTSink) Topic(n models.Notification) string {
	t := strings.ToLower(strings.TrimSpace(n.Type))
	if t == "" {
		t = "general"
	}
	return s.prefix + "/" + t
}

func (s *MQTTSink) Deliver(_ context.Context, n models.Notification) Result {
	payload, err := json.Marshal(n)
	if err != nil {
		return Result{Status: StatusFailed, Channel: "mqtt", Err: err}
	}
	if err := s.pub.Publish(s.Topic(n), s.qos, false, payload); err != nil {
		return Result{Status: StatusFailed, Channel: "mqtt", Err: err}
	}
	return Result{Status: StatusDelivered, Channel: "mqtt"}
}
