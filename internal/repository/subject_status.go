package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lonelycare-monitor/internal/models"

	"go.uber.org/zap"
)

// SubjectStatusRepository 被监护对象状态仓库
type SubjectStatusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubjectStatusRepository 创建对象状态仓库
func NewSubjectStatusRepository(db *sql.DB, logger *zap.Logger) *SubjectStatusRepository {
	return &SubjectStatusRepository{
		db:     db,
		logger: logger,
	}
}

// GetSubject 获取单个对象状态
func (r *SubjectStatusRepository) GetSubject(ctx context.Context, subjectID string) (*models.SubjectStatus, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject_id is required")
	}

	query := `
		SELECT
			subject_id,
			display_name,
			last_activity_at,
			alert_level,
			monitored,
			created_at,
			updated_at
		FROM subject_status
		WHERE subject_id = $1
	`

	var status models.SubjectStatus
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&status.SubjectID,
		&status.DisplayName,
		&status.LastActivityAt,
		&status.AlertLevel,
		&status.Monitored,
		&status.CreatedAt,
		&status.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subject not found: %s", subjectID)
		}
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}

	return &status, nil
}

// ListMonitored 获取所有在监护中的对象
func (r *SubjectStatusRepository) ListMonitored(ctx context.Context) ([]models.SubjectStatus, error) {
	query := `
		SELECT
			subject_id,
			display_name,
			last_activity_at,
			alert_level,
			monitored,
			created_at,
			updated_at
		FROM subject_status
		WHERE monitored = TRUE
		ORDER BY subject_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.SubjectStatus
	for rows.Next() {
		var status models.SubjectStatus
		if err := rows.Scan(
			&status.SubjectID,
			&status.DisplayName,
			&status.LastActivityAt,
			&status.AlertLevel,
			&status.Monitored,
			&status.CreatedAt,
			&status.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subject row: %w", err)
		}
		subjects = append(subjects, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subject rows: %w", err)
	}

	return subjects, nil
}

// UpsertSubject 首次观察到对象时创建记录，已存在则不修改
func (r *SubjectStatusRepository) UpsertSubject(ctx context.Context, status *models.SubjectStatus) error {
	if status.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}

	query := `
		INSERT INTO subject_status (
			subject_id, display_name, last_activity_at, alert_level, monitored, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		status.SubjectID,
		status.DisplayName,
		status.LastActivityAt,
		status.AlertLevel,
		status.Monitored,
		status.CreatedAt,
		status.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subject: %w", err)
	}
	return nil
}

// TouchActivity 更新对象的最近活动时间
// 带单调时间戳保护：只有比已记录时间更新的活动才会写入（last-writer-wins by timestamp），
// 防止乱序到达的旧事件覆盖新活动。返回是否实际更新
func (r *SubjectStatusRepository) TouchActivity(ctx context.Context, subjectID string, at time.Time) (bool, error) {
	if subjectID == "" {
		return false, fmt.Errorf("subject_id is required")
	}

	query := `
		UPDATE subject_status
		SET last_activity_at = $2,
		    updated_at = $3
		WHERE subject_id = $1
		  AND last_activity_at < $2
	`

	result, err := r.db.ExecContext(ctx, query, subjectID, at, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to touch activity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateAlertLevel 写入状态机推导出的报警级别
func (r *SubjectStatusRepository) UpdateAlertLevel(ctx context.Context, subjectID string, level models.AlertLevel) error {
	if subjectID == "" {
		return fmt.Errorf("subject_id is required")
	}

	query := `
		UPDATE subject_status
		SET alert_level = $2,
		    updated_at = $3
		WHERE subject_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, subjectID, level, time.Now()); err != nil {
		return fmt.Errorf("failed to update alert level: %w", err)
	}
	return nil
}

// IsMonitored 检查对象是否仍在监护中（重试触发前的取消检查）
func (r *SubjectStatusRepository) IsMonitored(ctx context.Context, subjectID string) (bool, error) {
	if subjectID == "" {
		return false, fmt.Errorf("subject_id is required")
	}

	query := `SELECT monitored FROM subject_status WHERE subject_id = $1`

	var monitored bool
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(&monitored)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check monitored: %w", err)
	}
	return monitored, nil
}
