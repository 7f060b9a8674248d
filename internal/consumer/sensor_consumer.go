package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"lonelycare-monitor/internal/activity"
	"lonelycare-monitor/internal/classifier"
	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"
	"lonelycare-monitor/internal/mqtt"
	"lonelycare-monitor/internal/repository"

	"go.uber.org/zap"
)

// sensorTopicFilter 设备端动作事件主题（lonelycare/{subject_id}/motion）
const sensorTopicFilter = "lonelycare/+/motion"

// SensorConsumer 传感器事件消费者
// 订阅设备端 MQTT 动作事件，经分类器过滤后更新活动计数与最近活动时间
type SensorConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	classifier *classifier.Classifier
	counter    *activity.Counter
	subjects   *repository.SubjectStatusRepository
	logger     *zap.Logger

	mu   sync.Mutex
	seen map[string]bool // 已确认存在于数据库的对象
}

// NewSensorConsumer 创建传感器事件消费者
func NewSensorConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	cls *classifier.Classifier,
	counter *activity.Counter,
	subjects *repository.SubjectStatusRepository,
	logger *zap.Logger,
) *SensorConsumer {
	return &SensorConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		classifier: cls,
		counter:    counter,
		subjects:   subjects,
		logger:     logger,
		seen:       make(map[string]bool),
	}
}

// Start 订阅动作事件主题
func (c *SensorConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(sensorTopicFilter, c.config.MQTT.QoS, func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}

	c.logger.Info("Sensor consumer started",
		zap.String("topic", sensorTopicFilter))
	return nil
}

// Stop 取消订阅
func (c *SensorConsumer) Stop() {
	if err := c.mqttClient.Unsubscribe(sensorTopicFilter); err != nil {
		c.logger.Warn("Failed to unsubscribe sensor topic", zap.Error(err))
	}
}

// handleMessage 处理单条动作事件
func (c *SensorConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	subjectID := subjectFromTopic(topic)
	if subjectID == "" {
		return fmt.Errorf("invalid sensor topic: %s", topic)
	}

	var ev models.ActivityEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal activity event: %w", err)
	}

	// 主题中的对象 ID 优先，避免设备端伪造他人事件
	ev.SubjectID = subjectID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// 分类器拒绝的事件（去抖、手机振动、可疑突发）不算有效活动
	if !c.classifier.Classify(ev) {
		c.logger.Debug("Event rejected by classifier",
			zap.String("subject_id", subjectID),
			zap.String("source", string(ev.Source)))
		return nil
	}

	return c.recordActivity(ctx, subjectID, ev.Timestamp)
}

// recordActivity 记录一次有效活动
func (c *SensorConsumer) recordActivity(ctx context.Context, subjectID string, at time.Time) error {
	if err := c.ensureSubject(ctx, subjectID); err != nil {
		return err
	}

	if _, err := c.counter.RecordActivity(ctx, subjectID, at); err != nil {
		// 计数失败不阻断活动时间更新
		c.logger.Error("Failed to record hourly activity",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}

	updated, err := c.subjects.TouchActivity(ctx, subjectID, at)
	if err != nil {
		return fmt.Errorf("failed to touch subject activity: %w", err)
	}
	if !updated {
		// 乱序事件被单调保护拦截，属正常情况
		c.logger.Debug("Stale activity timestamp ignored",
			zap.String("subject_id", subjectID),
			zap.Time("at", at))
	}
	return nil
}

// ensureSubject 首次观察到对象时创建记录
func (c *SensorConsumer) ensureSubject(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	known := c.seen[subjectID]
	c.mu.Unlock()
	if known {
		return nil
	}

	now := time.Now()
	status := &models.SubjectStatus{
		SubjectID:      subjectID,
		DisplayName:    subjectID,
		LastActivityAt: now,
		AlertLevel:     models.LevelNormal,
		Monitored:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.subjects.UpsertSubject(ctx, status); err != nil {
		return fmt.Errorf("failed to ensure subject exists: %w", err)
	}

	c.mu.Lock()
	c.seen[subjectID] = true
	c.mu.Unlock()
	return nil
}

// subjectFromTopic 从主题中提取对象 ID
func subjectFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "motion" {
		return ""
	}
	return parts[1]
}
