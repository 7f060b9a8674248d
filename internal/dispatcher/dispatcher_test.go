package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, subjectID string, level models.AlertLevel, message string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeState struct {
	mu    sync.Mutex
	marks map[string]models.AlertLevel
}

func newFakeState() *fakeState {
	return &fakeState{marks: make(map[string]models.AlertLevel)}
}

func (f *fakeState) MarkNotified(ctx context.Context, subjectID string, level models.AlertLevel, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[subjectID] = level
	return nil
}

func (f *fakeState) markedLevel(subjectID string) (models.AlertLevel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	level, ok := f.marks[subjectID]
	return level, ok
}

type fakeAttempts struct {
	mu       sync.Mutex
	attempts []models.NotificationAttempt
}

func (f *fakeAttempts) CreateAttempt(ctx context.Context, attempt *models.NotificationAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeAttempts) recorded() []models.NotificationAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.NotificationAttempt(nil), f.attempts...)
}

type fakeSubjects struct {
	mu        sync.Mutex
	monitored bool
}

func (f *fakeSubjects) IsMonitored(ctx context.Context, subjectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitored, nil
}

func (f *fakeSubjects) setMonitored(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitored = v
}

func setupTestDispatcher(t *testing.T, channels ...Channel) (*Dispatcher, *fakeState, *fakeAttempts, *fakeSubjects) {
	t.Helper()
	state := newFakeState()
	attempts := &fakeAttempts{}
	subjects := &fakeSubjects{monitored: true}
	d := NewDispatcher(channels, state, attempts, subjects, 3, 30*time.Second, time.Second, zap.NewNop())
	return d, state, attempts, subjects
}

func TestDispatcher_AnyChannelSuccessMarksNotified(t *testing.T) {
	good := &fakeChannel{name: "good"}
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, state, attempts, _ := setupTestDispatcher(t, bad, good)

	d.Dispatch(context.Background(), "s1", models.LevelWarning, "no activity")

	level, marked := state.markedLevel("s1")
	assert.True(t, marked)
	assert.Equal(t, models.LevelWarning, level)

	recorded := attempts.recorded()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Succeeded)
	assert.Equal(t, []string{"good"}, recorded[0].ChannelsSucceeded)
	assert.ElementsMatch(t, []string{"good", "bad"}, recorded[0].ChannelsAttempted)
	assert.Equal(t, 1, recorded[0].AttemptNumber)

	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatcher_AllChannelsFailQueuesRetry(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, state, attempts, _ := setupTestDispatcher(t, bad)

	d.Dispatch(context.Background(), "s1", models.LevelDanger, "no activity")

	// 未送达：不记已通知，进入重试队列
	_, marked := state.markedLevel("s1")
	assert.False(t, marked)
	assert.Empty(t, attempts.recorded())
	assert.Equal(t, 1, d.PendingCount())
}

func TestDispatcher_RetrySucceedsAfterTransientFailure(t *testing.T) {
	flaky := &fakeChannel{name: "flaky", err: errors.New("send failed")}
	d, state, _, _ := setupTestDispatcher(t, flaky)
	ctx := context.Background()

	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")
	require.Equal(t, 1, d.PendingCount())

	// 通道恢复后重试成功
	flaky.mu.Lock()
	flaky.err = nil
	flaky.mu.Unlock()

	d.processRetries(ctx)

	_, marked := state.markedLevel("s1")
	assert.True(t, marked)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatcher_RetriesExhaustedRecordsFailure(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, state, attempts, _ := setupTestDispatcher(t, bad)
	ctx := context.Background()

	d.Dispatch(ctx, "s1", models.LevelEmergency, "no activity")
	d.processRetries(ctx) // attempt 2
	d.processRetries(ctx) // attempt 3（最后一次）

	_, marked := state.markedLevel("s1")
	assert.False(t, marked)
	assert.Equal(t, 0, d.PendingCount())

	// 只记录最终失败
	recorded := attempts.recorded()
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Succeeded)
	assert.Equal(t, 3, recorded[0].AttemptNumber)
	assert.Empty(t, recorded[0].ChannelsSucceeded)
}

func TestDispatcher_RetryDroppedWhenUnmonitored(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, _, attempts, subjects := setupTestDispatcher(t, bad)
	ctx := context.Background()

	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")
	require.Equal(t, 1, d.PendingCount())

	subjects.setMonitored(false)
	d.processRetries(ctx)

	// 已退出监护的对象不再重试
	assert.Equal(t, 1, bad.callCount())
	assert.Equal(t, 0, d.PendingCount())
	assert.Empty(t, attempts.recorded())
}

func TestDispatcher_QueuedRetryBlocksDuplicateDispatch(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, _, _, _ := setupTestDispatcher(t, bad)
	ctx := context.Background()

	// 首次派发失败入队后，下一个轮询周期的重复派发被跳过，
	// 不会为同一次升级堆出第二条重试链
	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")
	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")

	assert.Equal(t, 1, d.PendingCount())
	assert.Equal(t, 1, bad.callCount())
}

func TestDispatcher_InFlightReleasedAfterChainEnds(t *testing.T) {
	flaky := &fakeChannel{name: "flaky", err: errors.New("send failed")}
	d, _, _, _ := setupTestDispatcher(t, flaky)
	ctx := context.Background()

	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")
	flaky.mu.Lock()
	flaky.err = nil
	flaky.mu.Unlock()
	d.processRetries(ctx)

	// 重试链成功结束后，同级别可重新派发
	d.Dispatch(ctx, "s1", models.LevelDanger, "no activity")
	assert.Equal(t, 3, flaky.callCount())
}

func TestDispatcher_InFlightReleasedAfterExhaustion(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("send failed")}
	d, _, _, _ := setupTestDispatcher(t, bad)
	ctx := context.Background()

	d.Dispatch(ctx, "s1", models.LevelEmergency, "no activity")
	d.processRetries(ctx)
	d.processRetries(ctx)
	require.Equal(t, 0, d.PendingCount())

	// 重试耗尽后在途标记释放，新的派发链可以开始
	d.Dispatch(ctx, "s1", models.LevelEmergency, "no activity")
	assert.Equal(t, 4, bad.callCount())
	assert.Equal(t, 1, d.PendingCount())
}

type blockingChannel struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (b *blockingChannel) Name() string { return "blocking" }

func (b *blockingChannel) Send(ctx context.Context, subjectID string, level models.AlertLevel, message string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	close(b.started)
	<-b.release
	return nil
}

func TestDispatcher_InFlightDeduplication(t *testing.T) {
	ch := &blockingChannel{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d, _, _, _ := setupTestDispatcher(t, ch)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.Dispatch(ctx, "s1", models.LevelWarning, "no activity")
		close(done)
	}()

	<-ch.started
	// 第一次派发还在进行中，重复派发直接跳过
	d.Dispatch(ctx, "s1", models.LevelWarning, "no activity")

	close(ch.release)
	<-done

	ch.mu.Lock()
	calls := ch.calls
	ch.mu.Unlock()
	assert.Equal(t, 1, calls)
}
