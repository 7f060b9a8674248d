package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 状态缓存管理器
// 每个监控周期把对象的评估结果写入短 TTL 缓存，供 UI 层读取
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// statusKey 构建状态缓存键
func (c *CacheManager) statusKey(subjectID string) string {
	return c.config.Cache.StatusKeyPrefix + subjectID + c.config.Cache.StatusSuffix
}

// UpdateStatusCache 写入对象状态快照
func (c *CacheManager) UpdateStatusCache(ctx context.Context, status *models.SubjectStatusCache) error {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status cache: %w", err)
	}

	err = c.redisClient.Set(ctx, c.statusKey(status.SubjectID), jsonData, c.config.Cache.StatusTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set status cache: %w", err)
	}

	c.logger.Debug("Updated status cache",
		zap.String("subject_id", status.SubjectID),
		zap.String("alert_level", string(status.AlertLevel)),
	)
	return nil
}

// GetStatusCache 读取对象状态快照
func (c *CacheManager) GetStatusCache(ctx context.Context, subjectID string) (*models.SubjectStatusCache, error) {
	val, err := c.redisClient.Get(ctx, c.statusKey(subjectID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("status cache not found for subject: %s", subjectID)
		}
		return nil, fmt.Errorf("failed to get status cache: %w", err)
	}

	var status models.SubjectStatusCache
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status cache: %w", err)
	}
	return &status, nil
}

// DeleteStatusCache 删除对象状态快照（对象退出监护时调用）
func (c *CacheManager) DeleteStatusCache(ctx context.Context, subjectID string) error {
	if err := c.redisClient.Del(ctx, c.statusKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to delete status cache: %w", err)
	}
	return nil
}
