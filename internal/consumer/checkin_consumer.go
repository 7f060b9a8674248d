package consumer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lonelycare-monitor/internal/activity"
	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"
	rediscommon "lonelycare-monitor/internal/redis"
	"lonelycare-monitor/internal/repository"

	"go.uber.org/zap"
)

// CheckinConsumer 手动签到消费者
// 从 Redis Stream 读取签到消息。签到是用户的明确动作，
// 不经过分类器，直接计为有效活动
type CheckinConsumer struct {
	config   *config.Config
	redis    *rediscommon.Client
	counter  *activity.Counter
	subjects *repository.SubjectStatusRepository
	logger   *zap.Logger
}

// NewCheckinConsumer 创建签到消费者
func NewCheckinConsumer(
	cfg *config.Config,
	redisClient *rediscommon.Client,
	counter *activity.Counter,
	subjects *repository.SubjectStatusRepository,
	logger *zap.Logger,
) *CheckinConsumer {
	return &CheckinConsumer{
		config:   cfg,
		redis:    redisClient,
		counter:  counter,
		subjects: subjects,
		logger:   logger,
	}
}

// Start 启动签到消费循环
func (c *CheckinConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redis, c.config.Checkin.Stream, c.config.Checkin.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create checkin consumer group: %w", err)
	}

	c.logger.Info("Checkin consumer started",
		zap.String("stream", c.config.Checkin.Stream),
		zap.String("consumer_group", c.config.Checkin.ConsumerGroup))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Checkin consumer stopped")
			return nil
		default:
		}

		messages, err := rediscommon.ReadFromStream(ctx, c.redis,
			c.config.Checkin.Stream,
			c.config.Checkin.ConsumerGroup,
			c.config.Checkin.ConsumerName,
			int64(c.config.Monitor.BatchSize),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to read from checkin stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			if err := c.handleCheckin(ctx, msg); err != nil {
				// 记录错误，继续处理后续消息
				c.logger.Error("Failed to handle checkin message",
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
			// 失败的消息也确认，避免无限重投毒消息
			if err := rediscommon.AckMessage(ctx, c.redis,
				c.config.Checkin.Stream, c.config.Checkin.ConsumerGroup, msg.ID); err != nil {
				c.logger.Error("Failed to ack checkin message",
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}
	}
}

// handleCheckin 处理单条签到消息
func (c *CheckinConsumer) handleCheckin(ctx context.Context, msg rediscommon.StreamMessage) error {
	subjectID, _ := msg.Values["subject_id"].(string)
	if subjectID == "" {
		return fmt.Errorf("checkin message missing subject_id")
	}

	source, _ := msg.Values["source"].(string)
	if source == "" {
		source = "manual"
	}

	at := time.Now()
	if raw, ok := msg.Values["timestamp"].(string); ok && raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at = time.Unix(sec, 0)
		}
	}

	if err := c.ensureSubject(ctx, subjectID, at); err != nil {
		return err
	}

	if _, err := c.counter.RecordActivity(ctx, subjectID, at); err != nil {
		c.logger.Error("Failed to record checkin activity count",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}

	if _, err := c.subjects.TouchActivity(ctx, subjectID, at); err != nil {
		return fmt.Errorf("failed to touch activity on checkin: %w", err)
	}

	c.logger.Info("Checkin recorded",
		zap.String("subject_id", subjectID),
		zap.String("source", source),
		zap.Time("at", at))
	return nil
}

// ensureSubject 首次签到时创建对象记录
func (c *CheckinConsumer) ensureSubject(ctx context.Context, subjectID string, at time.Time) error {
	status := &models.SubjectStatus{
		SubjectID:      subjectID,
		DisplayName:    subjectID,
		LastActivityAt: at,
		AlertLevel:     models.LevelNormal,
		Monitored:      true,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := c.subjects.UpsertSubject(ctx, status); err != nil {
		return fmt.Errorf("failed to ensure subject exists: %w", err)
	}
	return nil
}
