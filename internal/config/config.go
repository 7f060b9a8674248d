package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// LevelDurations 按报警级别区分的时长表
type LevelDurations struct {
	Caution   time.Duration
	Warning   time.Duration
	Danger    time.Duration
	Emergency time.Duration
}

// ClassifierConfig 动作分类器配置
// 注意：这些阈值来自真机调参的经验值，应视为可调默认值而非定死常量
type ClassifierConfig struct {
	MinAcceleration    float64       // 加速度判定下限（各轴绝对值之和）
	HighMagnitude      float64       // "高振动"判定值
	HighRatio          float64       // 高振动样本占比上限（超过判为手机振动）
	MaxIntervalStdDev  time.Duration // 采样间隔标准差上限（低于判为规律振动）
	MaxMeanInterval    time.Duration // 平均采样间隔上限
	MaxConsecutiveHigh int           // 连续高值抑制计数
	LowResetMagnitude  float64       // 低于该值时重置连续高值计数
	OrientationDelta   float64       // 陀螺仪角度变化判定阈值（度）
	BufferSpan         time.Duration // 振动模式检测缓冲窗口
	CorroborationSpan  time.Duration // 多传感器互证窗口
	AccelFloodCount    int           // 互证窗口内加速度计单独超过该次数判为可疑

	// 按来源区分的去抖间隔
	Debounce map[string]time.Duration
}

// Config 监护服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 监控循环配置
	Monitor struct {
		PollInterval time.Duration // 升级评估轮询间隔
		BatchSize    int           // 批量评估对象数量
		HourlyCap    int           // 每小时计数上限（达到后暂停，省电语义）
		HistoryDays  int           // 小时桶历史保留天数

		// 不活动时长 → 报警级别阈值
		Thresholds LevelDurations
		// 重复通知间隔（0 = 每次进入该级别仅通知一次）
		RepeatIntervals LevelDurations
	}

	// 动作分类器配置
	Classifier ClassifierConfig

	// 通知派发配置
	Dispatch struct {
		RetryMaxAttempts int           // 全通道失败后的最大重试次数
		RetryDelay       time.Duration // 重试间隔
		ChannelTimeout   time.Duration // 单通道发送超时
		PushGatewayURL   string        // 推送网关地址
		NotifyTopicRoot  string        // 设备通知主题前缀，如 "lonelycare/"
	}

	// Redis 缓存配置
	Cache struct {
		StatusKeyPrefix string        // 对象状态缓存键前缀，如 "lonelycare:subject:"
		StatusSuffix    string        // 对象状态缓存键后缀，如 ":status"
		StatusTTL       time.Duration // 状态缓存 TTL
		StateKeyPrefix  string        // 通知状态键前缀，如 "lonelycare:notified:"
	}

	// Redis Streams 签到配置
	Checkin struct {
		Stream        string
		ConsumerGroup string
		ConsumerName  string
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（带默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "lonelycare")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "lonelycare-monitor")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 监控循环配置
	cfg.Monitor.PollInterval = getEnvDuration("MONITOR_POLL_INTERVAL", 30*time.Second)
	cfg.Monitor.BatchSize = getEnvInt("MONITOR_BATCH_SIZE", 10)
	cfg.Monitor.HourlyCap = getEnvInt("MONITOR_HOURLY_CAP", 10)
	cfg.Monitor.HistoryDays = getEnvInt("MONITOR_HISTORY_DAYS", 7)

	cfg.Monitor.Thresholds = LevelDurations{
		Caution:   getEnvDuration("THRESHOLD_CAUTION", 30*time.Minute),
		Warning:   getEnvDuration("THRESHOLD_WARNING", time.Hour),
		Danger:    getEnvDuration("THRESHOLD_DANGER", 2*time.Hour),
		Emergency: getEnvDuration("THRESHOLD_EMERGENCY", 72*time.Hour),
	}

	// caution/warning 只通知一次（0 = 不重复），danger/emergency 周期性重复
	cfg.Monitor.RepeatIntervals = LevelDurations{
		Caution:   getEnvDuration("REPEAT_CAUTION", 0),
		Warning:   getEnvDuration("REPEAT_WARNING", 0),
		Danger:    getEnvDuration("REPEAT_DANGER", 6*time.Hour),
		Emergency: getEnvDuration("REPEAT_EMERGENCY", 3*time.Hour),
	}

	// 分类器配置（经验调参默认值）
	cfg.Classifier.MinAcceleration = getEnvFloat("CLASSIFIER_MIN_ACCELERATION", 2.5)
	cfg.Classifier.HighMagnitude = getEnvFloat("CLASSIFIER_HIGH_MAGNITUDE", 3.0)
	cfg.Classifier.HighRatio = getEnvFloat("CLASSIFIER_HIGH_RATIO", 0.8)
	cfg.Classifier.MaxIntervalStdDev = getEnvDuration("CLASSIFIER_MAX_STDDEV", 100*time.Millisecond)
	cfg.Classifier.MaxMeanInterval = getEnvDuration("CLASSIFIER_MAX_MEAN_INTERVAL", 400*time.Millisecond)
	cfg.Classifier.MaxConsecutiveHigh = getEnvInt("CLASSIFIER_MAX_CONSECUTIVE_HIGH", 3)
	cfg.Classifier.LowResetMagnitude = getEnvFloat("CLASSIFIER_LOW_RESET", 1.0)
	cfg.Classifier.OrientationDelta = getEnvFloat("CLASSIFIER_ORIENTATION_DELTA", 10.0)
	cfg.Classifier.BufferSpan = 3 * time.Second
	cfg.Classifier.CorroborationSpan = 5 * time.Second
	cfg.Classifier.AccelFloodCount = 10
	cfg.Classifier.Debounce = map[string]time.Duration{
		"accelerometer": getEnvDuration("DEBOUNCE_ACCELEROMETER", 300*time.Millisecond),
		"gyroscope":     getEnvDuration("DEBOUNCE_GYROSCOPE", time.Second),
		"touch":         getEnvDuration("DEBOUNCE_TOUCH", time.Second),
		"click":         getEnvDuration("DEBOUNCE_CLICK", time.Second),
		"scroll":        getEnvDuration("DEBOUNCE_SCROLL", 2*time.Second),
		"keyboard":      getEnvDuration("DEBOUNCE_KEYBOARD", time.Second),
	}

	// 派发配置
	cfg.Dispatch.RetryMaxAttempts = getEnvInt("DISPATCH_RETRY_MAX", 3)
	cfg.Dispatch.RetryDelay = getEnvDuration("DISPATCH_RETRY_DELAY", 30*time.Second)
	cfg.Dispatch.ChannelTimeout = getEnvDuration("DISPATCH_CHANNEL_TIMEOUT", 10*time.Second)
	cfg.Dispatch.PushGatewayURL = getEnv("DISPATCH_PUSH_GATEWAY_URL", "http://localhost:8090/push")
	cfg.Dispatch.NotifyTopicRoot = getEnv("DISPATCH_NOTIFY_TOPIC_ROOT", "lonelycare/")

	// 缓存配置
	cfg.Cache.StatusKeyPrefix = getEnv("CACHE_STATUS_PREFIX", "lonelycare:subject:")
	cfg.Cache.StatusSuffix = ":status"
	cfg.Cache.StatusTTL = getEnvDuration("CACHE_STATUS_TTL", 90*time.Second)
	cfg.Cache.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "lonelycare:notified:")

	// 签到流配置
	cfg.Checkin.Stream = getEnv("CHECKIN_STREAM", "lonelycare:checkins")
	cfg.Checkin.ConsumerGroup = getEnv("CHECKIN_CONSUMER_GROUP", "lonelycare-monitor")
	cfg.Checkin.ConsumerName = getEnv("CHECKIN_CONSUMER_NAME", "monitor-1")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8085")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
