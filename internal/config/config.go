package config

import (
	"os"
	"strconv"
	"time"
)

// Config 告警服务配置
type Config struct {
	HTTP struct {
		Addr string
	}

	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// 读数摄入配置
	Feed struct {
		// 轮询摄入
		PollEnabled  bool
		PollInterval time.Duration // 轮询间隔，默认 5 分钟
		Freshness    time.Duration // 新鲜度窗口，更早的读数不告警，默认 20 分钟

		// Redis Streams 实时摄入
		StreamEnabled bool
		Stream        string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64

		// MQTT 实时摄入（部分网关经 MQTT 上报）
		MQTTEnabled  bool
		MQTTBroker   string
		MQTTClientID string
		MQTTUsername string
		MQTTPassword string
		MQTTTopic    string
		MQTTQoS      byte
	}

	// 告警派发配置
	Alert struct {
		CooldownWindow time.Duration // 冷却窗口，默认 1 小时
		Workers        int           // 订阅者扇出并发上限
		RecentLimit    int           // 用户内嵌通知列表上限
	}

	// 推送网关配置
	Push struct {
		BaseURL       string
		RatePerSecond int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "udara")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Feed.PollEnabled = getEnv("FEED_POLL_ENABLED", "true") == "true"
	cfg.Feed.PollInterval = parseDuration(getEnv("FEED_POLL_INTERVAL", "5m"), 5*time.Minute)
	cfg.Feed.Freshness = parseDuration(getEnv("FEED_FRESHNESS", "20m"), 20*time.Minute)

	cfg.Feed.StreamEnabled = getEnv("FEED_STREAM_ENABLED", "false") == "true"
	cfg.Feed.Stream = getEnv("FEED_STREAM", "aq:readings")
	cfg.Feed.ConsumerGroup = getEnv("FEED_CONSUMER_GROUP", "udara-alert")
	cfg.Feed.ConsumerName = getEnv("FEED_CONSUMER_NAME", hostnameOr("udara-alert-1"))
	cfg.Feed.BatchSize = int64(parseInt(getEnv("FEED_BATCH_SIZE", "16"), 16))

	cfg.Feed.MQTTEnabled = getEnv("FEED_MQTT_ENABLED", "false") == "true"
	cfg.Feed.MQTTBroker = getEnv("FEED_MQTT_BROKER", "tcp://localhost:1883")
	cfg.Feed.MQTTClientID = getEnv("FEED_MQTT_CLIENT_ID", "udara-alert")
	cfg.Feed.MQTTUsername = getEnv("FEED_MQTT_USERNAME", "")
	cfg.Feed.MQTTPassword = getEnv("FEED_MQTT_PASSWORD", "")
	cfg.Feed.MQTTTopic = getEnv("FEED_MQTT_TOPIC", "udara/readings")
	cfg.Feed.MQTTQoS = byte(parseInt(getEnv("FEED_MQTT_QOS", "1"), 1))

	cfg.Alert.CooldownWindow = parseDuration(getEnv("ALERT_COOLDOWN_WINDOW", "1h"), time.Hour)
	cfg.Alert.Workers = parseInt(getEnv("ALERT_WORKERS", "8"), 8)
	cfg.Alert.RecentLimit = parseInt(getEnv("ALERT_RECENT_LIMIT", "50"), 50)

	cfg.Push.BaseURL = getEnv("PUSH_BASE_URL", "https://exp.host")
	cfg.Push.RatePerSecond = parseInt(getEnv("PUSH_RATE_PER_SECOND", "10"), 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return def
}
