package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockSubjectRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SubjectStatusRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewSubjectStatusRepository(db, logger)

	return db, mock, repo
}

func TestGetSubject_Success(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"subject_id", "display_name", "last_activity_at", "alert_level", "monitored", "created_at", "updated_at",
	}).AddRow(
		"s1", "Grandma Kim", now.Add(-time.Hour), "warning", true, now.Add(-24*time.Hour), now,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("s1").
		WillReturnRows(rows)

	subject, err := repo.GetSubject(context.Background(), "s1")

	require.NoError(t, err)
	assert.Equal(t, "s1", subject.SubjectID)
	assert.Equal(t, "Grandma Kim", subject.DisplayName)
	assert.Equal(t, models.LevelWarning, subject.AlertLevel)
	assert.True(t, subject.Monitored)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubject_NotFound(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("s-missing").
		WillReturnError(sql.ErrNoRows)

	subject, err := repo.GetSubject(context.Background(), "s-missing")

	assert.Error(t, err)
	assert.Nil(t, subject)
	assert.Contains(t, err.Error(), "subject not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubject_EmptyID(t *testing.T) {
	db, _, repo := setupMockSubjectRepo(t)
	defer db.Close()

	_, err := repo.GetSubject(context.Background(), "")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "subject_id is required")
}

func TestListMonitored_Success(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"subject_id", "display_name", "last_activity_at", "alert_level", "monitored", "created_at", "updated_at",
	}).
		AddRow("s1", "Grandma Kim", now, "normal", true, now, now).
		AddRow("s2", "Grandpa Lee", now.Add(-3*time.Hour), "danger", true, now, now)

	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	subjects, err := repo.ListMonitored(context.Background())

	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "s1", subjects[0].SubjectID)
	assert.Equal(t, models.LevelDanger, subjects[1].AlertLevel)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchActivity_NewerTimestampUpdates(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`UPDATE subject_status`).
		WithArgs("s1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := repo.TouchActivity(context.Background(), "s1", at)

	require.NoError(t, err)
	assert.True(t, updated)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchActivity_StaleTimestampIgnored(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	// 乱序到达的旧事件不影响已记录的活动时间（WHERE last_activity_at < $2 不命中）
	at := time.Now().Add(-time.Hour)
	mock.ExpectExec(`UPDATE subject_status`).
		WithArgs("s1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := repo.TouchActivity(context.Background(), "s1", at)

	require.NoError(t, err)
	assert.False(t, updated)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertLevel_Success(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE subject_status`).
		WithArgs("s1", models.LevelDanger, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlertLevel(context.Background(), "s1", models.LevelDanger)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsMonitored_MissingSubjectIsFalse(t *testing.T) {
	db, mock, repo := setupMockSubjectRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT monitored`).
		WithArgs("s-missing").
		WillReturnError(sql.ErrNoRows)

	monitored, err := repo.IsMonitored(context.Background(), "s-missing")

	require.NoError(t, err)
	assert.False(t, monitored)

	require.NoError(t, mock.ExpectationsWereMet())
}
