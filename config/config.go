package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 UT_DISCORD_BOT_TOKEN 覆盖 discord.bot_token
const EnvPrefix = "UT"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Discord    DiscordConfig    `mapstructure:"discord"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Lock       LockConfig       `mapstructure:"lock"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Snowflake  SnowflakeConfig  `mapstructure:"snowflake"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the registry backend: "postgres" or "sqlite".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

// LoggingConfig holds the zap logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"` // json | text
	Output   string `mapstructure:"output"` // stdout | file
	FilePath string `mapstructure:"file_path"`
}

type DiscordConfig struct {
	BotToken string `mapstructure:"bot_token"`
	// CallTimeout bounds every list / create / resolve / delete call.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type BroadcastConfig struct {
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

// LockConfig controls the per-(user, community) lock taken around set_times.
type LockConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Wait time.Duration `mapstructure:"wait"`
}

type KafkaConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Brokers       []string       `mapstructure:"brokers"`
	ConsumerGroup string         `mapstructure:"consumer_group"`
	Topics        TopicsConfig   `mapstructure:"topics"`
	Producer      ProducerConfig `mapstructure:"producer"`
	Consumer      ConsumerConfig `mapstructure:"consumer"`
}

type TopicsConfig struct {
	Events   string `mapstructure:"events"`
	Releases string `mapstructure:"releases"`
	DLQ      string `mapstructure:"dlq"`
}

type ProducerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type ConsumerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

// SweepConfig schedules the stale-endpoint reconciliation job.
type SweepConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // cron expression
}

// GatewayConfig describes the cluster; the sweep is sharded by channel across Nodes.
type GatewayConfig struct {
	NodeID string         `mapstructure:"node_id"`
	Nodes  map[string]int `mapstructure:"nodes"`
}

type SnowflakeConfig struct {
	WorkerID int64 `mapstructure:"worker_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "ubiquitimes")
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.max_open_conns", 20)

	v.SetDefault("sqlite.path", "./data/ubiquitimes.db")
	v.SetDefault("sqlite.busy_timeout", 5*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")

	v.SetDefault("discord.bot_token", "")
	v.SetDefault("discord.call_timeout", 10*time.Second)

	v.SetDefault("broadcast.delivery_timeout", 10*time.Second)
	v.SetDefault("broadcast.retry_attempts", 3)
	v.SetDefault("broadcast.retry_delay", 250*time.Millisecond)

	v.SetDefault("worker_pool.size", 16)
	v.SetDefault("worker_pool.queue_size", 256)

	v.SetDefault("lock.ttl", 60*time.Second)
	v.SetDefault("lock.wait", 15*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.consumer_group", "ubiquitimes")
	v.SetDefault("kafka.topics.events", "ubiquitimes.events")
	v.SetDefault("kafka.topics.releases", "ubiquitimes.releases")
	v.SetDefault("kafka.topics.dlq", "ubiquitimes.releases.dlq")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	v.SetDefault("kafka.consumer.max_retries", 2)
	v.SetDefault("kafka.consumer.retry_backoff_ms", 200)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 30m")

	v.SetDefault("gateway.node_id", "node-1")
	v.SetDefault("gateway.nodes", map[string]int{"node-1": 1})

	v.SetDefault("snowflake.worker_id", 1)
}

// LoadConfig 读取配置文件并应用 UT_* 环境变量覆盖
// path 为空时只使用默认值与环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres":
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Discord.BotToken == "" {
		errs = append(errs, errors.New("discord.bot_token is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Discord.CallTimeout <= 0 || c.Broadcast.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("discord.call_timeout and broadcast.delivery_timeout must be positive"))
	}
	if c.Lock.TTL <= c.Lock.Wait {
		errs = append(errs, errors.New("lock.ttl must be longer than lock.wait"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Gateway.NodeID == "" {
		errs = append(errs, errors.New("gateway.node_id is required"))
	} else if _, ok := c.Gateway.Nodes[c.Gateway.NodeID]; len(c.Gateway.Nodes) > 0 && !ok {
		// 本节点不在环上时永远不会分到任何频道，清理任务形同关闭
		errs = append(errs, fmt.Errorf("gateway.nodes must include gateway.node_id %q (node names are lower-cased)", c.Gateway.NodeID))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 构建 PostgreSQL DSN
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", c.Host, c.Port, c.User, c.Password, c.DBName)
}
