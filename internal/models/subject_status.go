package models

import "time"

// AlertLevel 报警级别（由不活动时长推导，只能由状态机设置）
type AlertLevel string

const (
	LevelNormal    AlertLevel = "normal"
	LevelCaution   AlertLevel = "caution"
	LevelWarning   AlertLevel = "warning"
	LevelDanger    AlertLevel = "danger"
	LevelEmergency AlertLevel = "emergency"
)

// Rank 级别优先级（用于比较，数值越大越紧急）
func (l AlertLevel) Rank() int {
	switch l {
	case LevelCaution:
		return 1
	case LevelWarning:
		return 2
	case LevelDanger:
		return 3
	case LevelEmergency:
		return 4
	default:
		return 0
	}
}

// SubjectStatus 被监护对象状态（对应 subject_status 表）
type SubjectStatus struct {
	SubjectID      string     `json:"subject_id" db:"subject_id"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
	AlertLevel     AlertLevel `json:"alert_level" db:"alert_level"`
	Monitored      bool       `json:"monitored" db:"monitored"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// SubjectStatusCache 写入 Redis 的状态快照（供 UI 层读取）
type SubjectStatusCache struct {
	SubjectID      string     `json:"subject_id"`
	DisplayName    string     `json:"display_name"`
	AlertLevel     AlertLevel `json:"alert_level"`
	LastActivityAt int64      `json:"last_activity_at"` // Unix 时间戳
	InactiveSecs   int64      `json:"inactive_secs"`
	EvaluatedAt    int64      `json:"evaluated_at"`
}
