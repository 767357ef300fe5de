package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为，所有请求共享同一份参数。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	AttemptTimeout    Duration `mapstructure:"AttemptTimeout"`
	ResolveTimeout    Duration `mapstructure:"ResolveTimeout"`
	NegativeTTL       Duration `mapstructure:"NegativeTTL"`
	TeeWindowBytes    int      `mapstructure:"TeeWindowBytes"`
	MaxUploads        int      `mapstructure:"MaxUploads"`
	CacheInfoPriority int      `mapstructure:"CacheInfoPriority"`
	StoreDir          string   `mapstructure:"StoreDir"`
}

// MirrorConfig 描述一个只读镜像源，按配置顺序尝试。
type MirrorConfig struct {
	URL string `mapstructure:"URL"`
}

// OriginConfig 描述一个权威上游源，按配置顺序尝试。
type OriginConfig struct {
	URL string `mapstructure:"URL"`
}

// S3Config 描述可写对象存储层的连接参数。Bucket 为空表示未启用该层。
type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	Prefix          string `mapstructure:"Prefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Mirrors []MirrorConfig `mapstructure:"Mirror"`
	Origins []OriginConfig `mapstructure:"Origin"`
	S3      S3Config       `mapstructure:"S3"`
}

// StoreEnabled 报告是否配置了对象存储层。
func (c *Config) StoreEnabled() bool {
	return c.S3.Bucket != ""
}

// MirrorURLs 返回镜像源地址列表，保持配置顺序。
func (c *Config) MirrorURLs() []string {
	urls := make([]string, len(c.Mirrors))
	for i, m := range c.Mirrors {
		urls[i] = m.URL
	}
	return urls
}

// OriginURLs 返回权威源地址列表，保持配置顺序。
func (c *Config) OriginURLs() []string {
	urls := make([]string, len(c.Origins))
	for i, o := range c.Origins {
		urls[i] = o.URL
	}
	return urls
}
