package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vgk/offline-gateway/internal/routing"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedStorageDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StoragePath == "" && g.StorageDriver != "memory" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	gw := c.Gateway
	if err := validateOrigin(gw.Origin); err != nil {
		return fmt.Errorf("Gateway.Origin: %w", err)
	}
	if err := validateVersion(gw.CacheVersion); err != nil {
		return fmt.Errorf("Gateway.CacheVersion: %w", err)
	}
	if gw.MaxAge.DurationValue() <= 0 {
		return newFieldError("Gateway.MaxAge", "必须大于 0")
	}
	if !strings.HasPrefix(gw.OfflineURL, "/") {
		return newFieldError("Gateway.OfflineURL", "必须以 / 开头")
	}
	if !strings.HasPrefix(gw.APIPrefix, "/") {
		return newFieldError("Gateway.APIPrefix", "必须以 / 开头")
	}
	if _, err := routing.ParseStrategy(gw.DefaultStrategy); err != nil {
		return newFieldError("Gateway.DefaultStrategy", strategyReason())
	}
	for idx, item := range gw.Manifest {
		if err := validateManifestPath(item); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Manifest", idx), err)
		}
	}

	for idx, route := range c.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return newFieldError(routeField(idx, "Prefix"), "必须以 / 开头")
		}
		if strings.HasPrefix(route.Prefix, reservedPrefix) {
			return newFieldError(routeField(idx, "Prefix"), "与保留路径 "+reservedPrefix+" 冲突")
		}
		if _, err := routing.ParseStrategy(route.Strategy); err != nil {
			return newFieldError(routeField(idx, "Strategy"), strategyReason())
		}
	}

	return nil
}

// reservedPrefix 是诊断与控制接口占用的路径前缀。
const reservedPrefix = "/-/"

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

func validateVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(version, `/\ `) || strings.HasPrefix(version, ".") {
		return fmt.Errorf("包含非法字符: %s", version)
	}
	return nil
}

// validateManifestPath 只允许同源路径，绝对地址一律拒绝。
func validateManifestPath(item string) error {
	item = strings.TrimSpace(item)
	if item == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(item)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("仅允许同源路径: %s", item)
	}
	if !strings.HasPrefix(parsed.Path, "/") {
		return fmt.Errorf("必须以 / 开头: %s", item)
	}
	return nil
}

func strategyReason() string {
	names := make([]string, 0, len(routing.Strategies()))
	for _, s := range routing.Strategies() {
		names = append(names, string(s))
	}
	return "仅支持 " + strings.Join(names, "|")
}
