package consumer

import (
	"context"
	"fmt"
	"time"

	"lonelycare-monitor/internal/activity"
	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/dispatcher"
	"lonelycare-monitor/internal/escalation"
	"lonelycare-monitor/internal/models"
	"lonelycare-monitor/internal/repository"

	"go.uber.org/zap"
)

// MonitorConsumer 升级评估消费者（轮询模式）
// 周期性评估所有监护对象的不活动时长，推导报警级别，
// 写入状态缓存并在需要时触发通知派发
// evalSnapshot 上次评估结果，用于识别时钟回拨导致的降级
type evalSnapshot struct {
	activityAt time.Time
	level      models.AlertLevel
}

type MonitorConsumer struct {
	config     *config.Config
	subjects   *repository.SubjectStatusRepository
	cache      *CacheManager
	state      *StateManager
	counter    *activity.Counter
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	// 仅由评估循环单协程访问
	lastEval map[string]evalSnapshot
}

// NewMonitorConsumer 创建升级评估消费者
func NewMonitorConsumer(
	cfg *config.Config,
	subjects *repository.SubjectStatusRepository,
	cache *CacheManager,
	state *StateManager,
	counter *activity.Counter,
	disp *dispatcher.Dispatcher,
	logger *zap.Logger,
) *MonitorConsumer {
	return &MonitorConsumer{
		config:     cfg,
		subjects:   subjects,
		cache:      cache,
		state:      state,
		counter:    counter,
		dispatcher: disp,
		logger:     logger,
		lastEval:   make(map[string]evalSnapshot),
	}
}

// Start 启动评估循环
func (c *MonitorConsumer) Start(ctx context.Context) error {
	c.logger.Info("Monitor consumer started",
		zap.Duration("poll_interval", c.config.Monitor.PollInterval))

	ticker := time.NewTicker(c.config.Monitor.PollInterval)
	defer ticker.Stop()

	// 重启后恢复各对象当前小时的计数桶
	if err := c.resumeBuckets(ctx); err != nil {
		c.logger.Error("Failed to resume hour buckets", zap.Error(err))
	}

	// 立即执行一次
	if err := c.evaluateAllSubjects(ctx); err != nil {
		c.logger.Error("Failed to evaluate subjects on startup", zap.Error(err))
	}

	// 定期轮询
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Monitor consumer stopped")
			return nil
		case <-ticker.C:
			if err := c.evaluateAllSubjects(ctx); err != nil {
				c.logger.Error("Failed to evaluate subjects", zap.Error(err))
				// 继续执行，不中断
			}
		}
	}
}

// resumeBuckets 重启后恢复所有监护对象的当前小时计数桶
func (c *MonitorConsumer) resumeBuckets(ctx context.Context) error {
	subjects, err := c.subjects.ListMonitored(ctx)
	if err != nil {
		return fmt.Errorf("failed to list monitored subjects: %w", err)
	}

	now := time.Now()
	for _, subject := range subjects {
		if err := c.counter.Resume(ctx, subject.SubjectID, now); err != nil {
			c.logger.Error("Failed to resume bucket",
				zap.String("subject_id", subject.SubjectID),
				zap.Error(err))
			// 继续处理其他对象
		}
	}
	return nil
}

// evaluateAllSubjects 评估所有监护对象
func (c *MonitorConsumer) evaluateAllSubjects(ctx context.Context) error {
	now := time.Now()

	// 整点桶滚动由评估循环驱动，Tick 自行判断是否跨整点
	if err := c.counter.Tick(ctx, now); err != nil {
		c.logger.Error("Failed to tick hour buckets", zap.Error(err))
	}

	subjects, err := c.subjects.ListMonitored(ctx)
	if err != nil {
		return fmt.Errorf("failed to list monitored subjects: %w", err)
	}

	c.logger.Debug("Evaluating subjects", zap.Int("subject_count", len(subjects)))

	// 批量评估（按配置的批量大小）
	batchSize := c.config.Monitor.BatchSize
	for i := 0; i < len(subjects); i += batchSize {
		end := i + batchSize
		if end > len(subjects) {
			end = len(subjects)
		}

		if err := c.evaluateBatch(ctx, subjects[i:end], now); err != nil {
			c.logger.Error("Failed to evaluate batch",
				zap.Int("batch_start", i),
				zap.Int("batch_end", end),
				zap.Error(err))
			// 继续处理下一批，不中断
		}
	}

	return nil
}

// evaluateBatch 批量评估对象
func (c *MonitorConsumer) evaluateBatch(ctx context.Context, subjects []models.SubjectStatus, now time.Time) error {
	for _, subject := range subjects {
		// 检查上下文是否已取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.evaluateSubject(ctx, &subject, now); err != nil {
			c.logger.Error("Failed to evaluate subject",
				zap.String("subject_id", subject.SubjectID),
				zap.Error(err))
			// 继续处理下一个对象
		}
	}
	return nil
}

// evaluateSubject 评估单个对象
func (c *MonitorConsumer) evaluateSubject(ctx context.Context, subject *models.SubjectStatus, now time.Time) error {
	level := escalation.Evaluate(subject.LastActivityAt, now, c.config.Monitor.Thresholds)
	inactive := now.Sub(subject.LastActivityAt)
	if inactive < 0 {
		inactive = 0
	}

	// 活动时间未前移时不接受级别下降（时钟回拨防御）
	if prev, ok := c.lastEval[subject.SubjectID]; ok {
		guarded := escalation.GuardRegression(prev.level, prev.activityAt, level, subject.LastActivityAt)
		if guarded != level {
			c.logger.Warn("Clock regression detected, keeping previous alert level",
				zap.String("subject_id", subject.SubjectID),
				zap.String("computed", string(level)),
				zap.String("kept", string(guarded)))
			level = guarded
		}
	}
	c.lastEval[subject.SubjectID] = evalSnapshot{activityAt: subject.LastActivityAt, level: level}

	// 级别变化时落库，danger/emergency 升级提升日志级别
	if level != subject.AlertLevel {
		logFn := c.logger.Info
		if level == models.LevelDanger || level == models.LevelEmergency {
			logFn = c.logger.Warn
		}
		logFn("Alert level changed",
			zap.String("subject_id", subject.SubjectID),
			zap.String("from", string(subject.AlertLevel)),
			zap.String("to", string(level)),
			zap.Duration("inactive", inactive))

		if err := c.subjects.UpdateAlertLevel(ctx, subject.SubjectID, level); err != nil {
			return fmt.Errorf("failed to persist alert level: %w", err)
		}
	}

	// 刷新状态缓存（带 TTL，缓存消失说明评估循环停摆）
	cacheEntry := &models.SubjectStatusCache{
		SubjectID:      subject.SubjectID,
		DisplayName:    subject.DisplayName,
		AlertLevel:     level,
		LastActivityAt: subject.LastActivityAt.Unix(),
		InactiveSecs:   int64(inactive.Seconds()),
		EvaluatedAt:    now.Unix(),
	}
	if err := c.cache.UpdateStatusCache(ctx, cacheEntry); err != nil {
		c.logger.Error("Failed to update status cache",
			zap.String("subject_id", subject.SubjectID),
			zap.Error(err))
	}

	// 恢复活动后清除通知状态，下次升级重新从头通知
	if level == models.LevelNormal {
		if subject.AlertLevel != models.LevelNormal {
			if err := c.state.ClearNotified(ctx, subject.SubjectID); err != nil {
				c.logger.Error("Failed to clear notified state",
					zap.String("subject_id", subject.SubjectID),
					zap.Error(err))
			}
		}
		return nil
	}

	notified, err := c.state.GetNotifiedState(ctx, subject.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to get notified state: %w", err)
	}

	if !escalation.IsNotificationDue(notified, level, now, c.config.Monitor.RepeatIntervals) {
		return nil
	}

	message := buildAlertMessage(subject.DisplayName, level, inactive)

	// 派发在后台进行，避免通道超时拖慢评估循环；
	// 进行中去重由派发器保证
	go c.dispatcher.Dispatch(ctx, subject.SubjectID, level, message)
	return nil
}

// buildAlertMessage 构造通知文案
func buildAlertMessage(displayName string, level models.AlertLevel, inactive time.Duration) string {
	rounded := inactive.Round(time.Minute)
	switch level {
	case models.LevelEmergency:
		return fmt.Sprintf("EMERGENCY: no activity from %s for %s. Immediate check required.", displayName, rounded)
	case models.LevelDanger:
		return fmt.Sprintf("DANGER: no activity from %s for %s. Please check on them.", displayName, rounded)
	case models.LevelWarning:
		return fmt.Sprintf("Warning: no activity from %s for %s.", displayName, rounded)
	default:
		return fmt.Sprintf("Caution: no activity from %s for %s.", displayName, rounded)
	}
}
