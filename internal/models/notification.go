package models

import "time"

// NotificationAttempt 一次通知派发尝试（对应 notification_attempts 表）
type NotificationAttempt struct {
	AttemptID         string     `json:"attempt_id" db:"attempt_id"`
	SubjectID         string     `json:"subject_id" db:"subject_id"`
	AlertLevel        AlertLevel `json:"alert_level" db:"alert_level"`
	Message           string     `json:"message" db:"message"`
	ChannelsAttempted []string   `json:"channels_attempted" db:"channels_attempted"` // JSONB
	ChannelsSucceeded []string   `json:"channels_succeeded" db:"channels_succeeded"` // JSONB
	AttemptNumber     int        `json:"attempt_number" db:"attempt_number"`
	Succeeded         bool       `json:"succeeded" db:"succeeded"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// NotifiedState 各级别最近一次成功通知时间（JSON 序列化后存 Redis）
type NotifiedState struct {
	// 级别 → 最近通知的 Unix 时间戳
	LastNotifiedAt map[AlertLevel]int64 `json:"last_notified_at"`
}

// NewNotifiedState 创建空的通知状态
func NewNotifiedState() *NotifiedState {
	return &NotifiedState{
		LastNotifiedAt: make(map[AlertLevel]int64),
	}
}
