package config

import "time"

// Store drivers understood by the collector.
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
)

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AgentConfig describes the agent's identity and its link to the collector.
type AgentConfig struct {
	ID          string `mapstructure:"id"`
	SystemName  string `mapstructure:"system_name"`
	Version     string `mapstructure:"version"`
	CurrentUser string `mapstructure:"current_user"`
	Status      string `mapstructure:"status"`
	// Location is reported with every sample; it is not resolved from the network.
	Location string `mapstructure:"location"`

	CollectorURL   string          `mapstructure:"collector_url"`
	UpdateInterval time.Duration   `mapstructure:"update_interval"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	SendTimeout    time.Duration   `mapstructure:"send_timeout"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	// MaxBatchEvents and MaxMessageBytes split a large drain into several
	// updates. MaxMessageBytes must fit collector.max_message_bytes.
	MaxBatchEvents  int `mapstructure:"max_batch_events"`
	MaxMessageBytes int `mapstructure:"max_message_bytes"`

	WatchPath       string   `mapstructure:"watch_path"`
	DiskPath        string   `mapstructure:"disk_path"`
	ScoreFileEvents bool     `mapstructure:"score_file_events"`
	SuspiciousNames []string `mapstructure:"suspicious_names"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// PolicyConfig holds the rule overlay applied on top of the model.
type PolicyConfig struct {
	NormalHours      HoursConfig `mapstructure:"normal_hours"`
	ExpectedLocation string      `mapstructure:"expected_location"`
	DailyQuotaMB     float64     `mapstructure:"daily_quota_mb"`
}

// HoursConfig is a local-time window [start, end).
type HoursConfig struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

type MachineLearningConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ModelPath string `mapstructure:"model_path"`
	// AnomalyThreshold is the z-score cut-off used when fitting a baseline.
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
}

// CollectorConfig configures the server side.
type CollectorConfig struct {
	Listen         string          `mapstructure:"listen"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	EventBus       EventBusConfig  `mapstructure:"event_bus"`
	ObserverBuffer int             `mapstructure:"observer_buffer"`
	// MaxMessageBytes is the read limit on agent connections.
	MaxMessageBytes int         `mapstructure:"max_message_bytes"`
	Store           StoreConfig `mapstructure:"store"`
	Kafka           KafkaConfig `mapstructure:"kafka"`
}

// RateLimitConfig bounds messages per agent connection.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type EventBusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	MongoCollection string        `mapstructure:"mongo_collection"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisKeyPrefix  string        `mapstructure:"redis_key_prefix"`
}

// KafkaConfig enables forwarding of collector alerts to a topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}
