// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件和环境变量加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicBaseURL 用于在服务端拼接绝对链接（例如 MinIO 对象地址）。
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DatabaseConfig 存储关系型存储的配置。Driver 为 "sqlite"（默认）或 "mysql"。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
}

// SQLiteConfig 存储嵌入式 SQLite 的配置。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用会话列表缓存。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey        string              `mapstructure:"api_key"`
	BaseURL       string              `mapstructure:"base_url"`
	Model         string              `mapstructure:"model"`
	SystemPrompt  string              `mapstructure:"system_prompt"`
	ContextTokens int                 `mapstructure:"context_tokens"`
	Timeout       time.Duration       `mapstructure:"timeout"`
	Generation    LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// UploadConfig 存储图片上传相关的配置。Provider 为 "imgbb"（默认）或 "minio"。
type UploadConfig struct {
	Provider string      `mapstructure:"provider"`
	MaxBytes int64       `mapstructure:"max_bytes"`
	ImgBB    ImgBBConfig `mapstructure:"imgbb"`
	MinIO    MinIOConfig `mapstructure:"minio"`
}

// ImgBBConfig 存储第三方图床 ImgBB 的配置。
type ImgBBConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不转发会话事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "./data/chat.db")
	v.SetDefault("redis.cache_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("llm.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.context_tokens", 32000)
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("upload.provider", "imgbb")
	v.SetDefault("upload.max_bytes", 5*1024*1024)
	v.SetDefault("upload.imgbb.endpoint", "https://api.imgbb.com/1/upload")
	v.SetDefault("kafka.topic", "chat.conversation-events")
}

// 与原有部署保持兼容的环境变量名。
var envBindings = map[string]string{
	"llm.api_key":            "DEEPSEEK_API_KEY",
	"upload.imgbb.api_key":   "IMGBB_API_KEY",
	"database.sqlite.path":   "DATABASE_URL",
	"server.public_base_url": "PUBLIC_BASE_URL",
}

// Load 读取 YAML 配置文件（可选）并叠加环境变量，返回校验后的配置。
// configPath 为空或文件不存在时只使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Init 加载配置到全局 Conf 变量，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Validate 检查必填项以及枚举型配置的取值。
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port cannot be empty")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path cannot be empty")
		}
	case "mysql":
		if c.Database.MySQL.DSN == "" {
			return errors.New("database.mysql.dsn cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Upload.Provider {
	case "imgbb", "minio":
	default:
		return fmt.Errorf("unsupported upload.provider %q", c.Upload.Provider)
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be > 0")
	}
	if c.LLM.ContextTokens < 0 {
		return errors.New("llm.context_tokens must be >= 0")
	}
	return nil
}
