package classifier

import (
	"sync"
	"time"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"

	"go.uber.org/zap"
)

// Classifier 动作分类器
// 判定原始传感器/交互事件是否为真实的人体活动，过滤手机振动等机械干扰。
// 判定失败方向偏向"放行"（漏报真实活动比误报更危险）
type Classifier struct {
	config *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	subjects map[string]*subjectWindows
}

// magSample 运动传感器采样
type magSample struct {
	magnitude float64
	at        time.Time
}

// subjectWindows 单个对象的滚动窗口状态
type subjectWindows struct {
	lastAccepted    map[models.EventSource]time.Time   // 去抖：各来源最近一次放行时间
	recentActivity  map[models.EventSource][]time.Time // 互证窗口（5秒）内的候选活动
	magBuffer       []magSample                        // 加速度计振动模式缓冲（3秒）
	consecutiveHigh int                                // 连续高值计数
}

func newSubjectWindows() *subjectWindows {
	return &subjectWindows{
		lastAccepted:   make(map[models.EventSource]time.Time),
		recentActivity: make(map[models.EventSource][]time.Time),
	}
}

// NewClassifier 创建动作分类器
func NewClassifier(cfg *config.Config, logger *zap.Logger) *Classifier {
	return &Classifier{
		config:   cfg,
		logger:   logger,
		subjects: make(map[string]*subjectWindows),
	}
}

// Classify 判定事件是否为真实活动
// 以事件自带的时间戳为"当前时刻"，便于用合成事件流测试
func (c *Classifier) Classify(ev models.ActivityEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.subjects[ev.SubjectID]
	if w == nil {
		w = newSubjectWindows()
		c.subjects[ev.SubjectID] = w
	}

	now := ev.Timestamp

	// 1. 去抖：同来源两次放行之间的最小间隔
	if debounce, ok := c.config.Classifier.Debounce[string(ev.Source)]; ok && debounce > 0 {
		if last, seen := w.lastAccepted[ev.Source]; seen && now.Sub(last) < debounce {
			return false
		}
	}

	// 2. 离散交互来源（触摸/滚动/键盘/点击）是明确的用户操作，直接放行。
	// 同时计入互证窗口，供运动传感器判定参考
	if ev.Source.IsDiscrete() {
		w.recordCandidate(ev.Source, now, c.config.Classifier.CorroborationSpan)
		w.accept(ev.Source, now)
		return true
	}

	accepted := c.classifyMotion(w, ev, now)
	if accepted {
		w.accept(ev.Source, now)
	}
	return accepted
}

// classifyMotion 运动传感器事件判定
func (c *Classifier) classifyMotion(w *subjectWindows, ev models.ActivityEvent, now time.Time) bool {
	cc := &c.config.Classifier

	switch ev.Source {
	case models.SourceGyroscope:
		// 陀螺仪：角度变化超过阈值才算候选动作
		if ev.Magnitude <= cc.OrientationDelta {
			return false
		}
		w.recordCandidate(models.SourceGyroscope, now, cc.CorroborationSpan)
		return true

	case models.SourceAccelerometer:
		// 加速度计：维护3秒振动模式缓冲
		w.magBuffer = append(w.magBuffer, magSample{magnitude: ev.Magnitude, at: now})
		w.pruneMagBuffer(now, cc.BufferSpan)

		// 连续高值抑制：持续的高振动/压迫不应被重复计为多次动作
		if ev.Magnitude > cc.HighMagnitude {
			w.consecutiveHigh++
		} else if ev.Magnitude <= cc.LowResetMagnitude {
			w.consecutiveHigh = 0
		}

		// 各轴绝对值之和须超过下限才视为动作候选
		if ev.Magnitude <= cc.MinAcceleration {
			return false
		}

		w.recordCandidate(models.SourceAccelerometer, now, cc.CorroborationSpan)

		// 多传感器互证：5秒内多个来源同时有活动，基本可确认是真实动作
		if w.corroborated() {
			return true
		}

		// 手机振动模式：高振动占比高、间隔规律且短
		if detectPhoneVibration(w.magBuffer, cc) {
			c.logger.Debug("Phone vibration pattern detected, event rejected",
				zap.String("subject_id", ev.SubjectID),
				zap.Float64("magnitude", ev.Magnitude),
			)
			return false
		}

		// 加速度计单独高频触发、其他来源完全沉默，疑似振动
		if w.accelFlooding(cc.AccelFloodCount) {
			c.logger.Debug("Accelerometer-only flooding, event rejected",
				zap.String("subject_id", ev.SubjectID),
			)
			return false
		}

		// 连续高值超过上限，抑制到出现低值为止
		if w.consecutiveHigh > cc.MaxConsecutiveHigh {
			return false
		}

		// 没有命中任何否决规则，默认放行
		return true
	}

	return false
}

// accept 记录放行时间（去抖基准）
func (w *subjectWindows) accept(source models.EventSource, now time.Time) {
	w.lastAccepted[source] = now
}

// recordCandidate 记录互证窗口内的候选活动并修剪过期项
func (w *subjectWindows) recordCandidate(source models.EventSource, now time.Time, span time.Duration) {
	w.recentActivity[source] = append(w.recentActivity[source], now)
	for src, times := range w.recentActivity {
		kept := times[:0]
		for _, t := range times {
			if now.Sub(t) < span {
				kept = append(kept, t)
			}
		}
		w.recentActivity[src] = kept
	}
}

// corroborated 互证窗口内是否有多个不同来源的活动
func (w *subjectWindows) corroborated() bool {
	active := 0
	for _, times := range w.recentActivity {
		if len(times) > 0 {
			active++
		}
	}
	return active > 1
}

// accelFlooding 互证窗口内加速度计单独过多触发
func (w *subjectWindows) accelFlooding(floodCount int) bool {
	accel := len(w.recentActivity[models.SourceAccelerometer])
	others := 0
	for src, times := range w.recentActivity {
		if src != models.SourceAccelerometer {
			others += len(times)
		}
	}
	return accel > floodCount && others == 0
}

// pruneMagBuffer 修剪振动缓冲中超出窗口的采样
func (w *subjectWindows) pruneMagBuffer(now time.Time, span time.Duration) {
	kept := w.magBuffer[:0]
	for _, s := range w.magBuffer {
		if now.Sub(s.at) < span {
			kept = append(kept, s)
		}
	}
	w.magBuffer = kept
}

// Forget 清除对象的窗口状态（对象被移除监护时调用）
func (c *Classifier) Forget(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subjects, subjectID)
}
