package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("AttemptTimeout", "30s")
	v.SetDefault("ResolveTimeout", "15m")
	v.SetDefault("NegativeTTL", "60s")
	v.SetDefault("TeeWindowBytes", 4*1024*1024)
	v.SetDefault("MaxUploads", 8)
	v.SetDefault("CacheInfoPriority", 30)
	v.SetDefault("StoreDir", "/nix/store")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.AttemptTimeout.DurationValue() == 0 {
		g.AttemptTimeout = Duration(30 * time.Second)
	}
	if g.ResolveTimeout.DurationValue() == 0 {
		g.ResolveTimeout = Duration(15 * time.Minute)
	}
	if g.NegativeTTL.DurationValue() == 0 {
		g.NegativeTTL = Duration(time.Minute)
	}
	if g.TeeWindowBytes == 0 {
		g.TeeWindowBytes = 4 * 1024 * 1024
	}
	if g.MaxUploads == 0 {
		g.MaxUploads = 8
	}
	if g.CacheInfoPriority == 0 {
		g.CacheInfoPriority = 30
	}
	if g.StoreDir == "" {
		g.StoreDir = "/nix/store"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
