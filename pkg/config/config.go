package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// It holds settings for logging, the agent API, the monitors, the agent's
// scoring policy and the collector.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel        string                `mapstructure:"log_level"`
	Log             LogConfig             `mapstructure:"log"`
	APIPort         string                `mapstructure:"api_port"`
	Monitors        []MonitorConfig       `mapstructure:"monitors"`
	Agent           AgentConfig           `mapstructure:"agent"`
	Policy          PolicyConfig          `mapstructure:"policy"`
	MachineLearning MachineLearningConfig `mapstructure:"machine_learning"`
	Collector       CollectorConfig       `mapstructure:"collector"`
}

// MonitorConfig defines the configuration for a single monitor.
// It includes the monitor's name, whether it's enabled and its run interval.
type MonitorConfig struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// GetMonitorConfig returns the entry for the named monitor, or nil.
func (c *Config) GetMonitorConfig(name string) *MonitorConfig {
	if c == nil {
		return nil
	}
	for i := range c.Monitors {
		if c.Monitors[i].Name == name {
			return &c.Monitors[i]
		}
	}
	return nil
}

// LoadConfig reads config.yaml from the working directory or
// /etc/hostwatch/, overlaid with HOSTWATCH_* environment variables.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom is LoadConfig with an explicit file. An empty path falls
// back to the default search locations. Variables from a .env file in the
// working directory are loaded first and never override the real environment.
func LoadConfigFrom(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hostwatch/")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOSTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Println("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Agent.resolveIdentity()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("api_port", "8080")

	v.SetDefault("monitors", []map[string]interface{}{
		{"name": "process_monitor", "enabled": true, "interval": "1s"},
		{"name": "filesystem_monitor", "enabled": true, "interval": "5s"},
		{"name": "metrics_monitor", "enabled": true, "interval": "1s"},
		{"name": "user_activity_monitor", "enabled": true, "interval": "30s"},
	})

	v.SetDefault("agent.id", "")
	v.SetDefault("agent.system_name", "")
	v.SetDefault("agent.version", "1.0")
	v.SetDefault("agent.current_user", "")
	v.SetDefault("agent.status", "Active")
	v.SetDefault("agent.location", "Bahawalpur")
	v.SetDefault("agent.collector_url", "ws://localhost:5000/ws/agent")
	v.SetDefault("agent.update_interval", "1s")
	v.SetDefault("agent.connect_timeout", "10s")
	v.SetDefault("agent.send_timeout", "5s")
	v.SetDefault("agent.max_batch_events", 500)
	v.SetDefault("agent.max_message_bytes", 1<<20)
	v.SetDefault("agent.reconnect.max_attempts", 10)
	v.SetDefault("agent.reconnect.initial_delay", "2s")
	v.SetDefault("agent.reconnect.max_delay", "10s")
	v.SetDefault("agent.watch_path", "/home")
	v.SetDefault("agent.disk_path", "/")
	v.SetDefault("agent.score_file_events", false)
	v.SetDefault("agent.suspicious_names", []string{"bash", "sh", "zsh", "dash", "powershell"})

	v.SetDefault("policy.normal_hours.start", 9)
	v.SetDefault("policy.normal_hours.end", 17)
	v.SetDefault("policy.expected_location", "Bahawalpur")
	v.SetDefault("policy.daily_quota_mb", 10240)

	v.SetDefault("machine_learning.enabled", true)
	v.SetDefault("machine_learning.model_path", "anomaly_model.yaml")
	v.SetDefault("machine_learning.anomaly_threshold", 3.0)

	v.SetDefault("collector.listen", ":5000")
	v.SetDefault("collector.rate_limit.per_second", 20)
	v.SetDefault("collector.rate_limit.burst", 40)
	v.SetDefault("collector.event_bus.buffer_size", 1000)
	v.SetDefault("collector.observer_buffer", 64)
	v.SetDefault("collector.max_message_bytes", 1<<20)
	v.SetDefault("collector.store.driver", "memory")
	v.SetDefault("collector.store.timeout", "5s")
	v.SetDefault("collector.store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("collector.store.mongo_database", "agent_logs")
	v.SetDefault("collector.store.mongo_collection", "logs")
	v.SetDefault("collector.store.redis_addr", "localhost:6379")
	v.SetDefault("collector.store.redis_password", "")
	v.SetDefault("collector.store.redis_db", 0)
	v.SetDefault("collector.store.redis_key_prefix", "hostwatch")
	v.SetDefault("collector.kafka.enabled", false)
	v.SetDefault("collector.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("collector.kafka.topic", "hostwatch-alerts")
}

// resolveIdentity fills identity fields left empty from the running host.
func (a *AgentConfig) resolveIdentity() {
	if a.ID == "" || a.SystemName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		if a.ID == "" {
			a.ID = host
		}
		if a.SystemName == "" {
			a.SystemName = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
		}
	}
	if a.CurrentUser == "" {
		if u, err := user.Current(); err == nil {
			a.CurrentUser = u.Username
		} else {
			a.CurrentUser = "unknown"
		}
	}
}

// Validate rejects settings the agent or collector cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.UpdateInterval <= 0 {
		errs = append(errs, errors.New("agent.update_interval must be positive"))
	}
	if c.Agent.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("agent.connect_timeout must be positive"))
	}
	if c.Agent.SendTimeout <= 0 {
		errs = append(errs, errors.New("agent.send_timeout must be positive"))
	}
	if c.Agent.MaxBatchEvents <= 0 {
		errs = append(errs, errors.New("agent.max_batch_events must be positive"))
	}
	if c.Agent.MaxMessageBytes <= 0 || c.Agent.MaxMessageBytes > c.Collector.MaxMessageBytes {
		errs = append(errs, fmt.Errorf("agent.max_message_bytes %d must be positive and within collector.max_message_bytes %d",
			c.Agent.MaxMessageBytes, c.Collector.MaxMessageBytes))
	}
	if c.Agent.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("agent.reconnect.max_attempts must be positive"))
	}
	if c.Agent.Reconnect.InitialDelay < 0 || c.Agent.Reconnect.MaxDelay < c.Agent.Reconnect.InitialDelay {
		errs = append(errs, errors.New("agent.reconnect delays must satisfy 0 <= initial_delay <= max_delay"))
	}
	h := c.Policy.NormalHours
	if h.Start < 0 || h.Start > 24 || h.End < 0 || h.End > 24 {
		errs = append(errs, fmt.Errorf("policy.normal_hours %d-%d out of range", h.Start, h.End))
	}
	if c.Policy.DailyQuotaMB < 0 {
		errs = append(errs, errors.New("policy.daily_quota_mb must not be negative"))
	}
	switch c.Collector.Store.Driver {
	case StoreMemory, StoreMongo, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("collector.store.driver %q is not one of memory, mongo, redis", c.Collector.Store.Driver))
	}
	for _, m := range c.Monitors {
		if _, err := time.ParseDuration(m.Interval); m.Enabled && err != nil {
			errs = append(errs, fmt.Errorf("monitor %s: invalid interval %q", m.Name, m.Interval))
		}
	}
	return errors.Join(errs...)
}
