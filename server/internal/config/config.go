package config

import (
	"fmt"
	"log"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Prediction   PredictionConfig   `yaml:"prediction"`
	Conversation ConversationConfig `yaml:"conversation"`
	Queue        QueueConfig        `yaml:"queue"`
	Storage      StorageConfig      `yaml:"storage"`
	Record       RecordConfig       `yaml:"record"`
	Logging      LoggingConfig      `yaml:"logging"`
	Paths        PathsConfig        `yaml:"paths"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ClassifierConfig 分类器（外部模型服务）配置
type ClassifierConfig struct {
	// Mode 决定分类器实现：http | keyword
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PredictionConfig 预测合并策略
type PredictionConfig struct {
	TopK                   int     `yaml:"top_k"`
	TreatmentThreshold     float64 `yaml:"treatment_threshold"`
	ClarificationThreshold float64 `yaml:"clarification_threshold"`
	// EMAWeight 新一轮预测的权重（单选空间）。
	EMAWeight float64 `yaml:"ema_weight"`
}

type ConversationConfig struct {
	InactivityTimeout      time.Duration `yaml:"inactivity_timeout"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	SlotPriority           []string      `yaml:"slot_priority"`
	MaxClarificationRounds int           `yaml:"max_clarification_rounds"`
	MaxReprompts           int           `yaml:"max_reprompts"`
}

type QueueConfig struct {
	DefaultServiceMinutes float64            `yaml:"default_service_minutes"`
	ServiceMinutes        map[string]float64 `yaml:"service_minutes"`
	RollingServiceTime    bool               `yaml:"rolling_service_time"`
	ResetAt               string             `yaml:"reset_at"`
	Timezone              string             `yaml:"timezone"`
	MaxTicketNumber       int64              `yaml:"max_ticket_number"`
	// RetentionDays 内存里保留最近几个运营日的队列，更早的由清理任务归档（账本不受影响）
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig 持久化配置：memory | sqlite | postgres
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RecordConfig struct {
	SummaryTemplate string `yaml:"summary_template"`
	PDFFont         string `yaml:"pdf_font"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type PathsConfig struct {
	Catalog string `yaml:"catalog"`
}

// Default 返回全部默认值。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	log.Printf("[Config] loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log.Printf("[Config] addr=%s classifier=%s storage=%s top_k=%d threshold=%.2f",
		cfg.Server.Addr, cfg.Classifier.Mode, cfg.Storage.Driver,
		cfg.Prediction.TopK, cfg.Prediction.ClarificationThreshold)
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Classifier.Mode == "" {
		c.Classifier.Mode = "keyword"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 5 * time.Second
	}
	if c.Prediction.TopK == 0 {
		c.Prediction.TopK = 3
	}
	if c.Prediction.TreatmentThreshold == 0 {
		c.Prediction.TreatmentThreshold = 0.5
	}
	if c.Prediction.ClarificationThreshold == 0 {
		c.Prediction.ClarificationThreshold = 0.7
	}
	if c.Prediction.EMAWeight == 0 {
		c.Prediction.EMAWeight = 0.6
	}
	if c.Conversation.InactivityTimeout == 0 {
		c.Conversation.InactivityTimeout = 15 * time.Minute
	}
	if c.Conversation.SweepInterval == 0 {
		c.Conversation.SweepInterval = time.Minute
	}
	if len(c.Conversation.SlotPriority) == 0 {
		c.Conversation.SlotPriority = []string{"duration", "severity", "location", "age", "gender"}
	}
	if c.Conversation.MaxClarificationRounds == 0 {
		c.Conversation.MaxClarificationRounds = 4
	}
	if c.Conversation.MaxReprompts == 0 {
		c.Conversation.MaxReprompts = 1
	}
	if c.Queue.DefaultServiceMinutes == 0 {
		c.Queue.DefaultServiceMinutes = 6
	}
	if c.Queue.ResetAt == "" {
		c.Queue.ResetAt = "00:00"
	}
	if c.Queue.Timezone == "" {
		c.Queue.Timezone = "Asia/Ho_Chi_Minh"
	}
	if c.Queue.MaxTicketNumber == 0 {
		c.Queue.MaxTicketNumber = 9999
	}
	if c.Queue.RetentionDays == 0 {
		c.Queue.RetentionDays = 7
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// 从环境变量覆盖部署相关信息
func (c *Config) applyEnv() {
	if addr := os.Getenv("TRIAGE_ADDR"); addr != "" {
		log.Printf("[Config] using TRIAGE_ADDR from environment: %s", addr)
		c.Server.Addr = addr
	}
	if url := os.Getenv("TRIAGE_CLASSIFIER_URL"); url != "" {
		log.Printf("[Config] using TRIAGE_CLASSIFIER_URL from environment")
		c.Classifier.Endpoint = url
		c.Classifier.Mode = "http"
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		log.Printf("[Config] using DATABASE_URL from environment")
		c.Storage.DSN = dsn
		if c.Storage.Driver == "memory" {
			c.Storage.Driver = "postgres"
		}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Classifier.Mode {
	case "keyword":
	case "http":
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier endpoint is required in http mode (set TRIAGE_CLASSIFIER_URL or config)")
		}
	default:
		return fmt.Errorf("unsupported classifier mode: %s", c.Classifier.Mode)
	}

	p := c.Prediction
	if p.TopK < 1 {
		return fmt.Errorf("prediction.top_k must be >= 1")
	}
	if p.TreatmentThreshold < 0 || p.TreatmentThreshold > 1 {
		return fmt.Errorf("prediction.treatment_threshold must be within [0,1]")
	}
	if p.ClarificationThreshold < 0 || p.ClarificationThreshold > 1 {
		return fmt.Errorf("prediction.clarification_threshold must be within [0,1]")
	}
	if p.EMAWeight <= 0 || p.EMAWeight > 1 {
		return fmt.Errorf("prediction.ema_weight must be within (0,1]")
	}

	if _, err := time.Parse("15:04", c.Queue.ResetAt); err != nil {
		return fmt.Errorf("queue.reset_at must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(c.Queue.Timezone); err != nil {
		return fmt.Errorf("queue.timezone: %w", err)
	}
	if c.Queue.RetentionDays < 0 {
		return fmt.Errorf("queue.retention_days must not be negative")
	}
	for sp, m := range c.Queue.ServiceMinutes {
		if m <= 0 {
			return fmt.Errorf("queue.service_minutes[%s] must be positive", sp)
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

// Debug 是否输出调试日志。
func (c *Config) Debug() bool {
	return c.Logging.Level == "debug"
}
