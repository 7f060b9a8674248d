package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"

	"go.uber.org/zap"
)

// BucketRepository 小时桶持久化接口（由 repository.HourBucketRepository 实现）
type BucketRepository interface {
	UpsertBucket(ctx context.Context, bucket *models.HourBucket) error
	GetLatestBucket(ctx context.Context, subjectID string) (*models.HourBucket, error)
	PruneBuckets(ctx context.Context, before time.Time) (int64, error)
}

// Counter 小时活动计数器
// 维护每个对象整点对齐的当前计数桶：达到上限后暂停（省电语义），
// 跨整点时旧桶归档、新桶从 0 开始
type Counter struct {
	config *config.Config
	repo   BucketRepository
	logger *zap.Logger

	mu      sync.Mutex
	current map[string]*models.HourBucket
}

// NewCounter 创建小时活动计数器
func NewCounter(cfg *config.Config, repo BucketRepository, logger *zap.Logger) *Counter {
	return &Counter{
		config:  cfg,
		repo:    repo,
		logger:  logger,
		current: make(map[string]*models.HourBucket),
	}
}

// Resume 启动时恢复对象的当前计数桶
// 只恢复仍属于当前整点的桶，过期的桶留在历史里
func (c *Counter) Resume(ctx context.Context, subjectID string, now time.Time) error {
	bucket, err := c.repo.GetLatestBucket(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to load latest bucket: %w", err)
	}
	if bucket == nil || !bucket.HourKey.Equal(models.HourKeyOf(now)) {
		return nil
	}

	c.mu.Lock()
	c.current[subjectID] = bucket
	c.mu.Unlock()

	c.logger.Info("Resumed hour bucket",
		zap.String("subject_id", subjectID),
		zap.Time("hour_key", bucket.HourKey),
		zap.Int("count", bucket.Count),
	)
	return nil
}

// RecordActivity 记录一次已确认的活动
// 去抖由上游分类器保证，这里只负责计数和上限暂停。
// 返回计数后的当前值
func (c *Counter) RecordActivity(ctx context.Context, subjectID string, now time.Time) (int, error) {
	c.mu.Lock()
	bucket := c.ensureBucket(subjectID, now)

	if bucket.Paused {
		count := bucket.Count
		c.mu.Unlock()
		return count, nil
	}

	bucket.Count++
	bucket.UpdatedAt = now
	if bucket.Count >= c.config.Monitor.HourlyCap {
		bucket.Paused = true
		c.logger.Debug("Hourly cap reached, counting paused until next hour",
			zap.String("subject_id", subjectID),
			zap.Int("count", bucket.Count),
		)
	}
	snapshot := *bucket
	c.mu.Unlock()

	if err := c.repo.UpsertBucket(ctx, &snapshot); err != nil {
		return snapshot.Count, fmt.Errorf("failed to persist bucket: %w", err)
	}
	return snapshot.Count, nil
}

// Tick 整点调度回调
// 跨整点（包括进程休眠跨越多个小时）时为当前小时开新桶；
// 不回放错过的小时，也不因时钟回拨而回退
func (c *Counter) Tick(ctx context.Context, now time.Time) error {
	hk := models.HourKeyOf(now)

	c.mu.Lock()
	var rolled []string
	for subjectID, bucket := range c.current {
		// 时钟回拨时保持现有桶，不解除暂停
		if hk.After(bucket.HourKey) {
			c.current[subjectID] = c.newBucket(subjectID, hk, now)
			rolled = append(rolled, subjectID)
		}
	}
	snapshots := make([]*models.HourBucket, 0, len(rolled))
	for _, subjectID := range rolled {
		snapshot := *c.current[subjectID]
		snapshots = append(snapshots, &snapshot)
	}
	c.mu.Unlock()

	for _, snapshot := range snapshots {
		if err := c.repo.UpsertBucket(ctx, snapshot); err != nil {
			c.logger.Error("Failed to persist fresh bucket",
				zap.String("subject_id", snapshot.SubjectID),
				zap.Error(err),
			)
			// 继续处理其他对象，不中断
		}
	}

	if len(rolled) > 0 {
		c.logger.Info("Hour boundary crossed, buckets rolled",
			zap.Time("hour_key", hk),
			zap.Int("subject_count", len(rolled)),
		)

		// 历史保留窗口之外的桶交给仓库清理
		cutoff := hk.Add(-time.Duration(c.config.Monitor.HistoryDays) * 24 * time.Hour)
		if pruned, err := c.repo.PruneBuckets(ctx, cutoff); err != nil {
			c.logger.Error("Failed to prune bucket history", zap.Error(err))
		} else if pruned > 0 {
			c.logger.Debug("Pruned bucket history", zap.Int64("rows", pruned))
		}
	}

	return nil
}

// CurrentCount 查询对象当前小时的计数（没有桶时为 0）
func (c *Counter) CurrentCount(subjectID string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.current[subjectID]
	if !ok || !bucket.HourKey.Equal(models.HourKeyOf(now)) {
		return 0
	}
	return bucket.Count
}

// Forget 移除对象的计数状态（对象退出监护时调用）
func (c *Counter) Forget(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, subjectID)
}

// ensureBucket 取当前桶；首次活动或跨整点时开新桶（须持有锁）
func (c *Counter) ensureBucket(subjectID string, now time.Time) *models.HourBucket {
	hk := models.HourKeyOf(now)
	bucket, ok := c.current[subjectID]
	if ok && !hk.After(bucket.HourKey) {
		return bucket
	}

	bucket = c.newBucket(subjectID, hk, now)
	c.current[subjectID] = bucket
	return bucket
}

// newBucket 开新桶；上限为 0 时视为禁用计数（立即暂停）
func (c *Counter) newBucket(subjectID string, hourKey, now time.Time) *models.HourBucket {
	return &models.HourBucket{
		SubjectID: subjectID,
		HourKey:   hourKey,
		Count:     0,
		Paused:    c.config.Monitor.HourlyCap <= 0,
		UpdatedAt: now,
	}
}
