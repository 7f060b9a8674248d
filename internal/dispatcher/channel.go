package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Channel 通知投递通道接口
// 每个通道独立投递，互不影响；单通道失败不阻断其他通道
type Channel interface {
	Name() string
	Send(ctx context.Context, subjectID string, level models.AlertLevel, message string) error
}

// notifyPayload 下发到设备端的通知载荷
type notifyPayload struct {
	SubjectID  string `json:"subject_id"`
	AlertLevel string `json:"alert_level"`
	Message    string `json:"message"`
	Cue        string `json:"cue,omitempty"`
	SentAt     int64  `json:"sent_at"`
}

// MQTTPublisher 带上下文的 MQTT 发布接口（由 mqtt.Client 实现）
type MQTTPublisher interface {
	PublishWithContext(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// MQTTChannel 通过 MQTT 下发到设备端的通道
// 同一实现覆盖三种设备端通道：弹窗通知、声音提示、震动提示，
// 仅主题后缀与 cue 字段不同
type MQTTChannel struct {
	name        string
	topicSuffix string
	cue         string
	client      MQTTPublisher
	topicRoot   string
	qos         byte
	logger      *zap.Logger
}

// NewDeviceNotifyChannel 创建设备弹窗通知通道
func NewDeviceNotifyChannel(client MQTTPublisher, topicRoot string, qos byte, logger *zap.Logger) *MQTTChannel {
	return &MQTTChannel{
		name:        "device_notify",
		topicSuffix: "/notify",
		client:      client,
		topicRoot:   topicRoot,
		qos:         qos,
		logger:      logger,
	}
}

// NewAudibleCueChannel 创建声音提示通道
func NewAudibleCueChannel(client MQTTPublisher, topicRoot string, qos byte, logger *zap.Logger) *MQTTChannel {
	return &MQTTChannel{
		name:        "audible_cue",
		topicSuffix: "/cue/audible",
		cue:         "audible",
		client:      client,
		topicRoot:   topicRoot,
		qos:         qos,
		logger:      logger,
	}
}

// NewHapticCueChannel 创建震动提示通道
func NewHapticCueChannel(client MQTTPublisher, topicRoot string, qos byte, logger *zap.Logger) *MQTTChannel {
	return &MQTTChannel{
		name:        "haptic_cue",
		topicSuffix: "/cue/haptic",
		cue:         "haptic",
		client:      client,
		topicRoot:   topicRoot,
		qos:         qos,
		logger:      logger,
	}
}

// Name 通道名
func (c *MQTTChannel) Name() string {
	return c.name
}

// Send 发布通知到设备主题
func (c *MQTTChannel) Send(ctx context.Context, subjectID string, level models.AlertLevel, message string) error {
	payload := notifyPayload{
		SubjectID:  subjectID,
		AlertLevel: string(level),
		Message:    message,
		Cue:        c.cue,
		SentAt:     time.Now().Unix(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notify payload: %w", err)
	}

	topic := c.topicRoot + subjectID + c.topicSuffix
	if err := c.client.PublishWithContext(ctx, topic, c.qos, false, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// pushRequest 推送网关请求
type pushRequest struct {
	SubjectID  string `json:"subject_id"`
	AlertLevel string `json:"alert_level"`
	Message    string `json:"message"`
	SentAt     int64  `json:"sent_at"`
}

// pushResponse 推送网关响应
type pushResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// PushChannel 通过推送网关向监护人手机发送推送的通道
type PushChannel struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewPushChannel 创建推送通道
func NewPushChannel(gatewayURL string, timeout time.Duration, logger *zap.Logger) *PushChannel {
	client := resty.New().
		SetBaseURL(gatewayURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &PushChannel{
		httpClient: client,
		logger:     logger,
	}
}

// Name 通道名
func (c *PushChannel) Name() string {
	return "caregiver_push"
}

// Send 调用推送网关
func (c *PushChannel) Send(ctx context.Context, subjectID string, level models.AlertLevel, message string) error {
	request := pushRequest{
		SubjectID:  subjectID,
		AlertLevel: string(level),
		Message:    message,
		SentAt:     time.Now().Unix(),
	}

	var response pushResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("")
	if err != nil {
		return fmt.Errorf("failed to call push gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode())
	}
	if response.Status != 0 {
		return fmt.Errorf("push gateway error: %s (status: %d)", response.Msg, response.Status)
	}
	return nil
}
