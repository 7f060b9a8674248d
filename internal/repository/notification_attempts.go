package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lonelycare-monitor/internal/models"

	"go.uber.org/zap"
)

// NotificationAttemptRepository 通知投递记录仓库
type NotificationAttemptRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationAttemptRepository 创建通知记录仓库
func NewNotificationAttemptRepository(db *sql.DB, logger *zap.Logger) *NotificationAttemptRepository {
	return &NotificationAttemptRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAttempt 写入一次通知投递记录（成功与最终失败都记录，便于审计）
func (r *NotificationAttemptRepository) CreateAttempt(ctx context.Context, attempt *models.NotificationAttempt) error {
	if attempt.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}

	attemptedJSON, err := json.Marshal(attempt.ChannelsAttempted)
	if err != nil {
		return fmt.Errorf("failed to marshal channels_attempted: %w", err)
	}
	succeededJSON, err := json.Marshal(attempt.ChannelsSucceeded)
	if err != nil {
		return fmt.Errorf("failed to marshal channels_succeeded: %w", err)
	}

	query := `
		INSERT INTO notification_attempts (
			attempt_id, subject_id, alert_level, message,
			channels_attempted, channels_succeeded, attempt_number, succeeded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		attempt.AttemptID,
		attempt.SubjectID,
		attempt.AlertLevel,
		attempt.Message,
		attemptedJSON,
		succeededJSON,
		attempt.AttemptNumber,
		attempt.Succeeded,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification attempt: %w", err)
	}
	return nil
}

// ListRecentAttempts 列出对象最近的通知记录
func (r *NotificationAttemptRepository) ListRecentAttempts(ctx context.Context, subjectID string, limit int) ([]models.NotificationAttempt, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT attempt_id, subject_id, alert_level, message,
		       channels_attempted, channels_succeeded, attempt_number, succeeded, created_at
		FROM notification_attempts
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.NotificationAttempt
	for rows.Next() {
		var attempt models.NotificationAttempt
		var attemptedJSON, succeededJSON []byte
		if err := rows.Scan(
			&attempt.AttemptID,
			&attempt.SubjectID,
			&attempt.AlertLevel,
			&attempt.Message,
			&attemptedJSON,
			&succeededJSON,
			&attempt.AttemptNumber,
			&attempt.Succeeded,
			&attempt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		if len(attemptedJSON) > 0 {
			if err := json.Unmarshal(attemptedJSON, &attempt.ChannelsAttempted); err != nil {
				r.logger.Warn("Failed to unmarshal channels_attempted, skipping field",
					zap.String("attempt_id", attempt.AttemptID),
					zap.Error(err))
			}
		}
		if len(succeededJSON) > 0 {
			if err := json.Unmarshal(succeededJSON, &attempt.ChannelsSucceeded); err != nil {
				r.logger.Warn("Failed to unmarshal channels_succeeded, skipping field",
					zap.String("attempt_id", attempt.AttemptID),
					zap.Error(err))
			}
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempt rows: %w", err)
	}

	return attempts, nil
}

// GetLastAttempt 取对象最近一次投递记录，无记录时返回 nil
func (r *NotificationAttemptRepository) GetLastAttempt(ctx context.Context, subjectID string) (*models.NotificationAttempt, error) {
	attempts, err := r.ListRecentAttempts(ctx, subjectID, 1)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}
