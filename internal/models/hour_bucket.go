package models

import "time"

// HourBucket 整点对齐的小时活动计数桶（对应 activity_hour_buckets 表）
// 同一对象同一时刻只有一个"当前"桶；跨整点时旧桶归档、新桶从 0 开始
type HourBucket struct {
	SubjectID string    `json:"subject_id" db:"subject_id"`
	HourKey   time.Time `json:"hour_key" db:"hour_key"` // 整点时刻（分秒清零）
	Count     int       `json:"count" db:"count"`
	Paused    bool      `json:"paused" db:"paused"` // 达到上限后暂停计数直到下个整点
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HourKeyOf 计算时刻所属的整点键
func HourKeyOf(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}
