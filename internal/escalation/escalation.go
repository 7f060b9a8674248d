package escalation

import (
	"time"

	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/models"
)

// Evaluate 由不活动时长推导报警级别
// 阈值按从高到低匹配，首个命中的级别生效；全部未命中为 normal。
// 纯函数：除入参外不依赖任何状态
func Evaluate(lastActivityAt, now time.Time, thresholds config.LevelDurations) models.AlertLevel {
	elapsed := now.Sub(lastActivityAt)
	// 时钟回拨防御：不允许负的不活动时长人为降级
	if elapsed < 0 {
		elapsed = 0
	}

	switch {
	case elapsed >= thresholds.Emergency:
		return models.LevelEmergency
	case elapsed >= thresholds.Danger:
		return models.LevelDanger
	case elapsed >= thresholds.Warning:
		return models.LevelWarning
	case elapsed >= thresholds.Caution:
		return models.LevelCaution
	default:
		return models.LevelNormal
	}
}

// GuardRegression 防御评估时钟部分回拨造成的静默降级
// 级别下降只应由 lastActivityAt 前移引起；活动时间未前移却算出更低级别，
// 说明两次评估之间时钟发生了回拨，维持上次的级别
func GuardRegression(prevLevel models.AlertLevel, prevActivityAt time.Time, level models.AlertLevel, activityAt time.Time) models.AlertLevel {
	if level.Rank() < prevLevel.Rank() && !activityAt.After(prevActivityAt) {
		return prevLevel
	}
	return level
}

// IsNotificationDue 判断某级别当前是否应当通知
// normal 永不通知；重复间隔为 0 的级别每次进入只通知一次；
// danger/emergency 类级别在状态持续期间按各自间隔周期性重发
func IsNotificationDue(state *models.NotifiedState, level models.AlertLevel, now time.Time, repeat config.LevelDurations) bool {
	if level == models.LevelNormal {
		return false
	}

	last, notified := state.LastNotifiedAt[level]
	if !notified {
		return true // 首次进入该级别
	}

	interval := IntervalFor(repeat, level)
	if interval <= 0 {
		return false // 只通知一次
	}

	return now.Sub(time.Unix(last, 0)) >= interval
}

// IntervalFor 取级别对应的重复通知间隔
func IntervalFor(d config.LevelDurations, level models.AlertLevel) time.Duration {
	switch level {
	case models.LevelCaution:
		return d.Caution
	case models.LevelWarning:
		return d.Warning
	case models.LevelDanger:
		return d.Danger
	case models.LevelEmergency:
		return d.Emergency
	default:
		return 0
	}
}
