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

func setupMockBucketRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *HourBucketRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewHourBucketRepository(db, logger)

	return db, mock, repo
}

func TestUpsertBucket_Success(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	now := time.Now()
	bucket := &models.HourBucket{
		SubjectID: "s1",
		HourKey:   models.HourKeyOf(now),
		Count:     3,
		Paused:    false,
		UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO activity_hour_buckets`).
		WithArgs("s1", bucket.HourKey, 3, false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertBucket(context.Background(), bucket)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBucket_StaleSnapshotCannotRegress(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	now := time.Now()
	bucket := &models.HourBucket{
		SubjectID: "s1",
		HourKey:   models.HourKeyOf(now),
		Count:     1,
		Paused:    false,
		UpdatedAt: now,
	}

	// 冲突分支必须单调合并：count 取较大值，paused 置位后不回退，
	// 乱序到达的旧快照不会覆盖新快照
	mock.ExpectExec(`count = GREATEST\(activity_hour_buckets\.count, EXCLUDED\.count\),\s*paused = activity_hour_buckets\.paused OR EXCLUDED\.paused`).
		WithArgs("s1", bucket.HourKey, 1, false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertBucket(context.Background(), bucket)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestBucket_Success(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	now := time.Now()
	hourKey := models.HourKeyOf(now)
	rows := sqlmock.NewRows([]string{"subject_id", "hour_key", "count", "paused", "updated_at"}).
		AddRow("s1", hourKey, 5, true, now)

	mock.ExpectQuery(`SELECT`).
		WithArgs("s1").
		WillReturnRows(rows)

	bucket, err := repo.GetLatestBucket(context.Background(), "s1")

	require.NoError(t, err)
	require.NotNil(t, bucket)
	assert.Equal(t, 5, bucket.Count)
	assert.True(t, bucket.Paused)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestBucket_NoHistory(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("s-new").
		WillReturnError(sql.ErrNoRows)

	bucket, err := repo.GetLatestBucket(context.Background(), "s-new")

	// 无历史不是错误
	require.NoError(t, err)
	assert.Nil(t, bucket)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuckets_Success(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	now := time.Now()
	from := now.Add(-24 * time.Hour)
	rows := sqlmock.NewRows([]string{"subject_id", "hour_key", "count", "paused", "updated_at"}).
		AddRow("s1", models.HourKeyOf(now.Add(-2*time.Hour)), 4, false, now).
		AddRow("s1", models.HourKeyOf(now.Add(-time.Hour)), 10, true, now)

	mock.ExpectQuery(`SELECT`).
		WithArgs("s1", from, now).
		WillReturnRows(rows)

	buckets, err := repo.ListBuckets(context.Background(), "s1", from, now)

	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, 4, buckets[0].Count)
	assert.True(t, buckets[1].Paused)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneBuckets_ReturnsDeletedCount(t *testing.T) {
	db, mock, repo := setupMockBucketRepo(t)
	defer db.Close()

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM activity_hour_buckets`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := repo.PruneBuckets(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)

	require.NoError(t, mock.ExpectationsWereMet())
}
