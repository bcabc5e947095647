package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json | text
	} `mapstructure:"log"`
	Auth struct {
		VerifyURL string `mapstructure:"verifyUrl"`
	} `mapstructure:"auth"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
	Store struct {
		Backend  string `mapstructure:"backend"` // bolt | redis | mysql
		BoltPath string `mapstructure:"boltPath"`
	} `mapstructure:"store"`
	Redis struct {
		Addrs       []string `mapstructure:"addrs"`
		Password    string   `mapstructure:"password"`
		PresenceTTL int      `mapstructure:"presenceTtl"` // 秒
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Enabled   bool     `mapstructure:"enabled"`
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Collab struct {
		SnapshotIntervalMs  int `mapstructure:"snapshotIntervalMs"`
		OperationsThreshold int `mapstructure:"operationsThreshold"`
		PruneHorizonMs      int `mapstructure:"pruneHorizonMs"`
		TypeBurstMs         int `mapstructure:"typeBurstMs"`
		MaxBurstMs          int `mapstructure:"maxBurstMs"`
		HistoryLimit        int `mapstructure:"historyLimit"`
	} `mapstructure:"collab"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) SnapshotInterval() time.Duration { return ms(c.Collab.SnapshotIntervalMs) }
func (c *Config) PruneHorizon() time.Duration     { return ms(c.Collab.PruneHorizonMs) }
func (c *Config) TypeBurst() time.Duration        { return ms(c.Collab.TypeBurstMs) }
func (c *Config) MaxBurst() time.Duration         { return ms(c.Collab.MaxBurstMs) }
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.Redis.PresenceTTL) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.verifyUrl", "http://localhost:3001")
	v.SetDefault("cors.allowOrigins", []string{"http://localhost:5173"})
	v.SetDefault("store.backend", "bolt")
	v.SetDefault("store.boltPath", "collab.db")
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presenceTtl", 60)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic", "collab-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("collab.snapshotIntervalMs", 30_000)
	v.SetDefault("collab.operationsThreshold", 200)
	v.SetDefault("collab.pruneHorizonMs", 60_000)
	v.SetDefault("collab.typeBurstMs", 1000)
	v.SetDefault("collab.maxBurstMs", 5000)
	v.SetDefault("collab.historyLimit", 50)
}

// Load 读取 collabConfig.yaml（兼容从项目根目录或 backend 目录启动），
// 文件不存在时只用默认值；环境变量 COLLAB_RUNNING_PORT 等覆盖文件。
// extraPaths 优先于默认搜索路径。
func Load(extraPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	for _, p := range extraPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "bolt", "redis", "mysql":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "mysql" && c.Mysql.DSN == "" {
		return errors.New("store.backend=mysql requires mysql.dsn")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.enabled requires kafka.brokers and kafka.topic")
	}
	return nil
}
