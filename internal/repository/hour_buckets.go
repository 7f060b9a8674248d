package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lonelycare-monitor/internal/models"

	"go.uber.org/zap"
)

// HourBucketRepository 小时活动桶仓库
// 每个 (subject_id, hour_key) 一行，行本身即 7 天活动历史归档
type HourBucketRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHourBucketRepository 创建小时桶仓库
func NewHourBucketRepository(db *sql.DB, logger *zap.Logger) *HourBucketRepository {
	return &HourBucketRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertBucket 写入或更新一个小时桶快照
// 并发快照可能乱序到达：count 单调递增，paused 置位后不回退，
// 用 GREATEST / OR 保证旧快照不覆盖新快照
func (r *HourBucketRepository) UpsertBucket(ctx context.Context, bucket *models.HourBucket) error {
	if bucket.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}

	query := `
		INSERT INTO activity_hour_buckets (
			subject_id, hour_key, count, paused, updated_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id, hour_key) DO UPDATE SET
			count = GREATEST(activity_hour_buckets.count, EXCLUDED.count),
			paused = activity_hour_buckets.paused OR EXCLUDED.paused,
			updated_at = GREATEST(activity_hour_buckets.updated_at, EXCLUDED.updated_at)
	`

	_, err := r.db.ExecContext(ctx, query,
		bucket.SubjectID,
		bucket.HourKey,
		bucket.Count,
		bucket.Paused,
		bucket.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hour bucket: %w", err)
	}
	return nil
}

// GetLatestBucket 取对象最近的一个小时桶，无记录时返回 nil
func (r *HourBucketRepository) GetLatestBucket(ctx context.Context, subjectID string) (*models.HourBucket, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	query := `
		SELECT subject_id, hour_key, count, paused, updated_at
		FROM activity_hour_buckets
		WHERE subject_id = $1
		ORDER BY hour_key DESC
		LIMIT 1
	`

	var bucket models.HourBucket
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&bucket.SubjectID,
		&bucket.HourKey,
		&bucket.Count,
		&bucket.Paused,
		&bucket.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest bucket: %w", err)
	}
	return &bucket, nil
}

// ListBuckets 按时间区间列出对象的小时桶（用于活动历史导出）
func (r *HourBucketRepository) ListBuckets(ctx context.Context, subjectID string, from, to time.Time) ([]models.HourBucket, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	query := `
		SELECT subject_id, hour_key, count, paused, updated_at
		FROM activity_hour_buckets
		WHERE subject_id = $1
		  AND hour_key >= $2
		  AND hour_key < $3
		ORDER BY hour_key ASC
	`

	rows, err := r.db.QueryContext(ctx, query, subjectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list hour buckets: %w", err)
	}
	defer rows.Close()

	var buckets []models.HourBucket
	for rows.Next() {
		var bucket models.HourBucket
		if err := rows.Scan(
			&bucket.SubjectID,
			&bucket.HourKey,
			&bucket.Count,
			&bucket.Paused,
			&bucket.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bucket row: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bucket rows: %w", err)
	}

	return buckets, nil
}

// PruneBuckets 删除早于截止时间的小时桶，返回删除行数
func (r *HourBucketRepository) PruneBuckets(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM activity_hour_buckets WHERE hour_key < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune hour buckets: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("Pruned expired hour buckets",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
