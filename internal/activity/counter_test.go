package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBucketRepo 内存版小时桶仓库
type fakeBucketRepo struct {
	mu      sync.Mutex
	buckets map[string]map[int64]*models.HourBucket // subjectID -> hourKey(unix) -> bucket
	latest  map[string]*models.HourBucket
	pruned  []time.Time
}

func newFakeBucketRepo() *fakeBucketRepo {
	return &fakeBucketRepo{
		buckets: make(map[string]map[int64]*models.HourBucket),
		latest:  make(map[string]*models.HourBucket),
	}
}

func (f *fakeBucketRepo) UpsertBucket(ctx context.Context, bucket *models.HourBucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket.SubjectID] == nil {
		f.buckets[bucket.SubjectID] = make(map[int64]*models.HourBucket)
	}
	snapshot := *bucket
	f.buckets[bucket.SubjectID][bucket.HourKey.Unix()] = &snapshot
	if f.latest[bucket.SubjectID] == nil || !f.latest[bucket.SubjectID].HourKey.After(bucket.HourKey) {
		f.latest[bucket.SubjectID] = &snapshot
	}
	return nil
}

func (f *fakeBucketRepo) GetLatestBucket(ctx context.Context, subjectID string) (*models.HourBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b := f.latest[subjectID]; b != nil {
		snapshot := *b
		return &snapshot, nil
	}
	return nil, nil
}

func (f *fakeBucketRepo) PruneBuckets(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, before)
	var deleted int64
	for _, byHour := range f.buckets {
		for hk := range byHour {
			if time.Unix(hk, 0).Before(before) {
				delete(byHour, hk)
				deleted++
			}
		}
	}
	return deleted, nil
}

func (f *fakeBucketRepo) stored(subjectID string, hourKey time.Time) *models.HourBucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	byHour := f.buckets[subjectID]
	if byHour == nil {
		return nil
	}
	return byHour[hourKey.Unix()]
}

func setupTestCounter(t *testing.T) (*Counter, *fakeBucketRepo) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Monitor.HourlyCap = 10
	cfg.Monitor.HistoryDays = 7

	repo := newFakeBucketRepo()
	return NewCounter(cfg, repo, zap.NewNop()), repo
}

func TestCounter_RecordActivity_Increments(t *testing.T) {
	counter, _ := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)

	count, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = counter.RecordActivity(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCounter_HourlyCapPausesCounting(t *testing.T) {
	counter, repo := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		_, err := counter.RecordActivity(ctx, "s1", now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	// 达到上限后计数冻结
	count, err := counter.RecordActivity(ctx, "s1", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	stored := repo.stored("s1", models.HourKeyOf(now))
	require.NotNil(t, stored)
	assert.Equal(t, 10, stored.Count)
	assert.True(t, stored.Paused)
}

func TestCounter_HourBoundaryResetsCountAndPause(t *testing.T) {
	counter, _ := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		_, err := counter.RecordActivity(ctx, "s1", now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, counter.CurrentCount("s1", now))

	// 跨整点后从 0 重新计数，暂停解除
	nextHour := now.Add(time.Hour)
	count, err := counter.RecordActivity(ctx, "s1", nextHour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCounter_TickRollsBucketAcrossMultipleHours(t *testing.T) {
	counter, repo := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	_, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)

	// 进程休眠跨越多个小时后的首次调度
	later := now.Add(5 * time.Hour)
	require.NoError(t, counter.Tick(ctx, later))

	assert.Equal(t, 0, counter.CurrentCount("s1", later))

	// 新的当前桶已落库
	fresh := repo.stored("s1", models.HourKeyOf(later))
	require.NotNil(t, fresh)
	assert.Equal(t, 0, fresh.Count)
	assert.False(t, fresh.Paused)

	// 旧桶保留在历史中
	old := repo.stored("s1", models.HourKeyOf(now))
	require.NotNil(t, old)
	assert.Equal(t, 1, old.Count)
}

func TestCounter_TickIgnoresBackwardClockJump(t *testing.T) {
	counter, _ := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	_, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)

	// 时钟回拨不回退桶
	require.NoError(t, counter.Tick(ctx, now.Add(-2*time.Hour)))
	assert.Equal(t, 1, counter.CurrentCount("s1", now))
}

func TestCounter_TickPrunesExpiredHistory(t *testing.T) {
	counter, repo := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	_, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	require.NoError(t, counter.Tick(ctx, later))

	require.Len(t, repo.pruned, 1)
	expectedCutoff := models.HourKeyOf(later).Add(-7 * 24 * time.Hour)
	assert.True(t, repo.pruned[0].Equal(expectedCutoff))
}

func TestCounter_ResumeAdoptsSameHourBucket(t *testing.T) {
	counter, repo := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertBucket(ctx, &models.HourBucket{
		SubjectID: "s1",
		HourKey:   models.HourKeyOf(now),
		Count:     7,
		UpdatedAt: now.Add(-10 * time.Minute),
	}))

	require.NoError(t, counter.Resume(ctx, "s1", now))
	assert.Equal(t, 7, counter.CurrentCount("s1", now))

	count, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, 8, count)
}

func TestCounter_ResumeSkipsStaleBucket(t *testing.T) {
	counter, repo := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertBucket(ctx, &models.HourBucket{
		SubjectID: "s1",
		HourKey:   models.HourKeyOf(now.Add(-3 * time.Hour)),
		Count:     9,
		UpdatedAt: now.Add(-3 * time.Hour),
	}))

	require.NoError(t, counter.Resume(ctx, "s1", now))
	// 过期桶不恢复，当前小时从 0 开始
	assert.Equal(t, 0, counter.CurrentCount("s1", now))
}

func TestCounter_Forget(t *testing.T) {
	counter, _ := setupTestCounter(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	_, err := counter.RecordActivity(ctx, "s1", now)
	require.NoError(t, err)

	counter.Forget("s1")
	assert.Equal(t, 0, counter.CurrentCount("s1", now))
}
