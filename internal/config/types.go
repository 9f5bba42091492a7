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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// GatewayConfig 描述缓存代际与离线降级行为。修改 CacheVersion 是让全部旧缓存失效的唯一方式。
type GatewayConfig struct {
	Origin          string   `mapstructure:"Origin"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	MaxAge          Duration `mapstructure:"MaxAge"`
	OfflineURL      string   `mapstructure:"OfflineURL"`
	APIPrefix       string   `mapstructure:"APIPrefix"`
	DefaultStrategy string   `mapstructure:"DefaultStrategy"`
	SkipWaiting     bool     `mapstructure:"SkipWaiting"`
	Manifest        []string `mapstructure:"Manifest"`
}

// RouteConfig 是一条路由规则，按声明顺序匹配。
type RouteConfig struct {
	Prefix   string `mapstructure:"Prefix"`
	Strategy string `mapstructure:"Strategy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Gateway GatewayConfig `mapstructure:",squash"`
	Routes  []RouteConfig `mapstructure:"Route"`
}

// ManifestPaths 返回安装清单，离线页面缺失时追加在末尾。
func (g GatewayConfig) ManifestPaths() []string {
	out := make([]string, 0, len(g.Manifest)+1)
	hasOffline := false
	for _, item := range g.Manifest {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if item == g.OfflineURL {
			hasOffline = true
		}
		out = append(out, item)
	}
	if !hasOffline && g.OfflineURL != "" {
		out = append(out, g.OfflineURL)
	}
	return out
}
