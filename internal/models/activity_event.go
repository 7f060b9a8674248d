package models

import "time"

// EventSource 活动事件来源
type EventSource string

const (
	SourceAccelerometer EventSource = "accelerometer"
	SourceGyroscope     EventSource = "gyroscope"
	SourceTouch         EventSource = "touch"
	SourceScroll        EventSource = "scroll"
	SourceKeyboard      EventSource = "keyboard"
	SourceClick         EventSource = "click"
)

// IsDiscrete 是否为离散交互来源（直接的用户操作，无需进一步判定）
func (s EventSource) IsDiscrete() bool {
	switch s {
	case SourceTouch, SourceScroll, SourceKeyboard, SourceClick:
		return true
	}
	return false
}

// IsMotion 是否为运动传感器来源
func (s EventSource) IsMotion() bool {
	return s == SourceAccelerometer || s == SourceGyroscope
}

// ActivityEvent 活动事件（瞬态数据，由分类器即时消费，不落库）
type ActivityEvent struct {
	SubjectID string      `json:"subject_id"`
	Source    EventSource `json:"source"`
	Magnitude float64     `json:"magnitude,omitempty"` // 运动传感器读数；离散来源为 0
	Timestamp time.Time   `json:"timestamp"`
}
