package consumer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StateManager 通知状态管理器
// 维护每个对象各级别最近一次成功通知的时间（lastNotifiedAt），
// 供升级状态机的重复通知策略使用
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建通知状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// notifiedKey 构建通知状态键
func (s *StateManager) notifiedKey(subjectID string) string {
	return s.config.Cache.StateKeyPrefix + subjectID
}

// GetNotifiedState 读取对象的通知状态（不存在时返回空状态）
func (s *StateManager) GetNotifiedState(ctx context.Context, subjectID string) (*models.NotifiedState, error) {
	fields, err := s.redisClient.HGetAll(ctx, s.notifiedKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get notified state: %w", err)
	}

	state := models.NewNotifiedState()
	for field, val := range fields {
		sec, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping malformed notified timestamp",
				zap.String("subject_id", subjectID),
				zap.String("level", field),
				zap.String("value", val))
			continue
		}
		state.LastNotifiedAt[models.AlertLevel(field)] = sec
	}
	return state, nil
}

// MarkNotified 记录某级别的成功通知时间
// 每级别一个 hash field，并发写不同级别互不覆盖
func (s *StateManager) MarkNotified(ctx context.Context, subjectID string, level models.AlertLevel, at time.Time) error {
	err := s.redisClient.HSet(ctx, s.notifiedKey(subjectID),
		string(level), strconv.FormatInt(at.Unix(), 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to set notified state: %w", err)
	}
	return nil
}

// ClearNotified 清除对象的全部通知状态
// 对象恢复活动回到 normal 时调用，这样之后再次升级会被当作全新的升级处理
func (s *StateManager) ClearNotified(ctx context.Context, subjectID string) error {
	if err := s.redisClient.Del(ctx, s.notifiedKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to clear notified state: %w", err)
	}
	return nil
}
