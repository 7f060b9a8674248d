package classifier

import (
	"math"
	"time"

	"lonelycare-monitor/internal/config"
)

// detectPhoneVibration 手机振动模式检测
// 电话/通知振动的特征：高振动占比大（>80%）、采样间隔高度规律（标准差<100ms）
// 且间隔很短（平均<400ms）。三个条件同时满足才判为振动。
func detectPhoneVibration(buf []magSample, cc *config.ClassifierConfig) bool {
	if len(buf) < 5 {
		return false
	}

	// 只看最近 10 个采样
	recent := buf
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	highCount := 0
	for _, s := range recent {
		if s.magnitude > cc.HighMagnitude {
			highCount++
		}
	}
	highRatio := float64(highCount) / float64(len(recent))

	// 采样间隔的均值和标准差（规律性度量）
	intervals := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, float64(recent[i].at.Sub(recent[i-1].at))/float64(time.Millisecond))
	}

	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	stdDev := math.Sqrt(variance)

	isRegular := stdDev < float64(cc.MaxIntervalStdDev/time.Millisecond)
	isHighIntensity := highRatio > cc.HighRatio
	isShortInterval := mean < float64(cc.MaxMeanInterval/time.Millisecond)

	return isRegular && isHighIntensity && isShortInterval
}
