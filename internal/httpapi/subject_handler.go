package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lonelycare-monitor/internal/activity"
	"lonelycare-monitor/internal/config"
	"lonelycare-monitor/internal/consumer"
	"lonelycare-monitor/internal/models"
	rediscommon "lonelycare-monitor/internal/redis"
	"lonelycare-monitor/internal/repository"

	"go.uber.org/zap"
)

// SubjectView 对象状态视图（数据库记录 + 实时评估缓存合并）
type SubjectView struct {
	SubjectID      string `json:"subject_id"`
	DisplayName    string `json:"display_name"`
	AlertLevel     string `json:"alert_level"`
	LastActivityAt int64  `json:"last_activity_at"`
	InactiveSecs   int64  `json:"inactive_secs"`
	Monitored      bool   `json:"monitored"`
	EvaluatedAt    int64  `json:"evaluated_at,omitempty"`
}

// SubjectDetail 对象详情视图
type SubjectDetail struct {
	SubjectView
	CurrentHourCount int                          `json:"current_hour_count"`
	RecentAttempts   []models.NotificationAttempt `json:"recent_attempts"`
}

// SubjectHandler 监护对象 HTTP 处理器
type SubjectHandler struct {
	config   *config.Config
	subjects *repository.SubjectStatusRepository
	attempts *repository.NotificationAttemptRepository
	buckets  *repository.HourBucketRepository
	cache    *consumer.CacheManager
	counter  *activity.Counter
	redis    *rediscommon.Client
	logger   *zap.Logger
}

// NewSubjectHandler 创建对象处理器
func NewSubjectHandler(
	cfg *config.Config,
	subjects *repository.SubjectStatusRepository,
	attempts *repository.NotificationAttemptRepository,
	buckets *repository.HourBucketRepository,
	cache *consumer.CacheManager,
	counter *activity.Counter,
	redisClient *rediscommon.Client,
	logger *zap.Logger,
) *SubjectHandler {
	return &SubjectHandler{
		config:   cfg,
		subjects: subjects,
		attempts: attempts,
		buckets:  buckets,
		cache:    cache,
		counter:  counter,
		redis:    redisClient,
		logger:   logger,
	}
}

// ListSubjects 列出所有在监护中的对象
func (h *SubjectHandler) ListSubjects(w http.ResponseWriter, req *http.Request) {
	subjects, err := h.subjects.ListMonitored(req.Context())
	if err != nil {
		h.logger.Error("Failed to list subjects", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to list subjects"))
		return
	}

	views := make([]SubjectView, 0, len(subjects))
	for _, s := range subjects {
		views = append(views, h.toView(req, &s))
	}
	writeJSON(w, http.StatusOK, Ok(views))
}

// GetSubject 获取单个对象详情
func (h *SubjectHandler) GetSubject(w http.ResponseWriter, req *http.Request, subjectID string) {
	subject, err := h.subjects.GetSubject(req.Context(), subjectID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSON(w, http.StatusOK, Fail("subject not found"))
			return
		}
		h.logger.Error("Failed to get subject",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to get subject"))
		return
	}

	detail := SubjectDetail{
		SubjectView:      h.toView(req, subject),
		CurrentHourCount: h.counter.CurrentCount(subjectID, time.Now()),
	}

	attempts, err := h.attempts.ListRecentAttempts(req.Context(), subjectID, 5)
	if err != nil {
		// 通知记录查询失败不阻断详情返回
		h.logger.Warn("Failed to list recent attempts",
			zap.String("subject_id", subjectID),
			zap.Error(err))
	} else {
		detail.RecentAttempts = attempts
	}

	writeJSON(w, http.StatusOK, Ok(detail))
}

// checkinRequest 手动签到请求体（可选）
type checkinRequest struct {
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// PostCheckin 手动签到
// 只负责投递到签到流，实际落库由签到消费者完成
func (h *SubjectHandler) PostCheckin(w http.ResponseWriter, req *http.Request, subjectID string) {
	at := time.Now().Unix()
	source := "manual"
	if req.Body != nil {
		var body checkinRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil {
			if body.Timestamp > 0 {
				at = body.Timestamp
			}
			if body.Source != "" {
				source = body.Source
			}
		}
	}

	msgID, err := rediscommon.PublishToStream(req.Context(), h.redis, h.config.Checkin.Stream, map[string]interface{}{
		"subject_id": subjectID,
		"source":     source,
		"timestamp":  strconv.FormatInt(at, 10),
	})
	if err != nil {
		h.logger.Error("Failed to publish checkin",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to record checkin"))
		return
	}

	h.logger.Info("Checkin accepted",
		zap.String("subject_id", subjectID),
		zap.String("message_id", msgID))
	writeJSON(w, http.StatusOK, Ok(map[string]string{"message_id": msgID}))
}

// toView 合并数据库记录与实时评估缓存
func (h *SubjectHandler) toView(req *http.Request, s *models.SubjectStatus) SubjectView {
	view := SubjectView{
		SubjectID:      s.SubjectID,
		DisplayName:    s.DisplayName,
		AlertLevel:     string(s.AlertLevel),
		LastActivityAt: s.LastActivityAt.Unix(),
		InactiveSecs:   int64(time.Since(s.LastActivityAt).Seconds()),
		Monitored:      s.Monitored,
	}

	// 缓存里有更近一次评估结果时优先使用
	if cached, err := h.cache.GetStatusCache(req.Context(), s.SubjectID); err == nil {
		view.AlertLevel = string(cached.AlertLevel)
		view.InactiveSecs = cached.InactiveSecs
		view.EvaluatedAt = cached.EvaluatedAt
	}

	return view
}
