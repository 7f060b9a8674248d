package dispatcher

import (
	"context"
	"sync"
	"time"

	"lonelycare-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotifiedRecorder 通知状态记录接口（由 Redis 通知状态管理器实现）
type NotifiedRecorder interface {
	MarkNotified(ctx context.Context, subjectID string, level models.AlertLevel, at time.Time) error
}

// AttemptStore 通知投递记录存储接口
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *models.NotificationAttempt) error
}

// MonitorChecker 监护状态检查接口（重试前确认对象仍在监护中）
type MonitorChecker interface {
	IsMonitored(ctx context.Context, subjectID string) (bool, error)
}

// retryItem 待重试的通知
type retryItem struct {
	subjectID     string
	level         models.AlertLevel
	message       string
	attemptNumber int
}

// Dispatcher 通知派发器
// 向所有通道并发投递；任一通道成功即视为通知送达，
// 全部失败则进入重试队列，按固定间隔重试，重试耗尽后放弃并记录
type Dispatcher struct {
	channels []Channel
	state    NotifiedRecorder
	attempts AttemptStore
	subjects MonitorChecker
	logger   *zap.Logger

	maxRetries     int
	retryDelay     time.Duration
	channelTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
	pending  []retryItem
}

// NewDispatcher 创建通知派发器
func NewDispatcher(
	channels []Channel,
	state NotifiedRecorder,
	attempts AttemptStore,
	subjects MonitorChecker,
	maxRetries int,
	retryDelay time.Duration,
	channelTimeout time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		channels:       channels,
		state:          state,
		attempts:       attempts,
		subjects:       subjects,
		logger:         logger,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		channelTimeout: channelTimeout,
		inFlight:       make(map[string]bool),
	}
}

// Start 启动重试队列处理循环
func (d *Dispatcher) Start(ctx context.Context) {
	go d.retryLoop(ctx)
}

// Dispatch 派发一条通知
// 同一对象同一级别的派发链（含排队中的重试）未结束时直接跳过，
// 避免轮询周期重叠导致并行重试链重复投递
func (d *Dispatcher) Dispatch(ctx context.Context, subjectID string, level models.AlertLevel, message string) {
	key := inFlightKey(subjectID, level)

	d.mu.Lock()
	if d.inFlight[key] {
		d.mu.Unlock()
		d.logger.Debug("Dispatch already in flight, skipping",
			zap.String("subject_id", subjectID),
			zap.String("alert_level", string(level)))
		return
	}
	d.inFlight[key] = true
	d.mu.Unlock()

	d.attemptDispatch(ctx, subjectID, level, message, 1)
}

func inFlightKey(subjectID string, level models.AlertLevel) string {
	return subjectID + ":" + string(level)
}

// release 结束一条派发链，之后同对象同级别可重新派发
func (d *Dispatcher) release(subjectID string, level models.AlertLevel) {
	d.mu.Lock()
	delete(d.inFlight, inFlightKey(subjectID, level))
	d.mu.Unlock()
}

// attemptDispatch 执行一次投递尝试，失败时视重试次数决定入队或放弃
// 成功或重试耗尽时释放在途标记；入队等待重试时保持持有
func (d *Dispatcher) attemptDispatch(ctx context.Context, subjectID string, level models.AlertLevel, message string, attemptNumber int) {
	attempted, succeeded := d.fanOut(ctx, subjectID, level, message)

	attempt := &models.NotificationAttempt{
		AttemptID:         uuid.New().String(),
		SubjectID:         subjectID,
		AlertLevel:        level,
		Message:           message,
		ChannelsAttempted: attempted,
		ChannelsSucceeded: succeeded,
		AttemptNumber:     attemptNumber,
		Succeeded:         len(succeeded) > 0,
		CreatedAt:         time.Now(),
	}

	if attempt.Succeeded {
		// 任一通道成功即记录已通知，后续按重复间隔节流
		if err := d.state.MarkNotified(ctx, subjectID, level, attempt.CreatedAt); err != nil {
			d.logger.Error("Failed to mark subject notified",
				zap.String("subject_id", subjectID),
				zap.Error(err))
		}
		if err := d.attempts.CreateAttempt(ctx, attempt); err != nil {
			d.logger.Error("Failed to record notification attempt",
				zap.String("subject_id", subjectID),
				zap.Error(err))
		}
		d.logger.Info("Notification delivered",
			zap.String("subject_id", subjectID),
			zap.String("alert_level", string(level)),
			zap.Int("attempt", attemptNumber),
			zap.Strings("channels_succeeded", succeeded))
		d.release(subjectID, level)
		return
	}

	if attemptNumber >= d.maxRetries {
		// 重试耗尽，记录最终失败供审计
		if err := d.attempts.CreateAttempt(ctx, attempt); err != nil {
			d.logger.Error("Failed to record final failed attempt",
				zap.String("subject_id", subjectID),
				zap.Error(err))
		}
		d.logger.Error("Notification delivery abandoned after retries exhausted",
			zap.String("subject_id", subjectID),
			zap.String("alert_level", string(level)),
			zap.Int("attempts", attemptNumber))
		d.release(subjectID, level)
		return
	}

	d.logger.Warn("All channels failed, queuing for retry",
		zap.String("subject_id", subjectID),
		zap.String("alert_level", string(level)),
		zap.Int("attempt", attemptNumber))

	d.mu.Lock()
	d.pending = append(d.pending, retryItem{
		subjectID:     subjectID,
		level:         level,
		message:       message,
		attemptNumber: attemptNumber + 1,
	})
	d.mu.Unlock()
}

// fanOut 并发投递到所有通道，返回尝试过的通道名与成功的通道名
func (d *Dispatcher) fanOut(ctx context.Context, subjectID string, level models.AlertLevel, message string) (attempted, succeeded []string) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, ch := range d.channels {
		attempted = append(attempted, ch.Name())

		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.channelTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, subjectID, level, message); err != nil {
				// 单通道失败不影响其他通道
				d.logger.Warn("Channel send failed",
					zap.String("channel", ch.Name()),
					zap.String("subject_id", subjectID),
					zap.Error(err))
				return
			}

			mu.Lock()
			succeeded = append(succeeded, ch.Name())
			mu.Unlock()
		}(ch)
	}

	wg.Wait()
	return attempted, succeeded
}

// retryLoop 按固定间隔处理重试队列
func (d *Dispatcher) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processRetries(ctx)
		}
	}
}

// processRetries 取出当前全部待重试项并重新投递
func (d *Dispatcher) processRetries(ctx context.Context) {
	d.mu.Lock()
	items := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, item := range items {
		// 对象已取消监护时丢弃待重试通知
		monitored, err := d.subjects.IsMonitored(ctx, item.subjectID)
		if err != nil {
			d.logger.Error("Failed to check monitored state before retry",
				zap.String("subject_id", item.subjectID),
				zap.Error(err))
		} else if !monitored {
			d.logger.Info("Subject no longer monitored, dropping queued notification",
				zap.String("subject_id", item.subjectID),
				zap.String("alert_level", string(item.level)))
			d.release(item.subjectID, item.level)
			continue
		}

		d.attemptDispatch(ctx, item.subjectID, item.level, item.message, item.attemptNumber)
	}
}

// PendingCount 当前待重试数量
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
