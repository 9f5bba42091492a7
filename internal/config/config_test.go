package config

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/vgk/offline-gateway/internal/routing"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Gateway.MaxAge.DurationValue() != 7*24*time.Hour {
		t.Fatalf("MaxAge 应该自动填充默认值, got %s", cfg.Gateway.MaxAge.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应当被解析")
	}
	if !cfg.Gateway.SkipWaiting {
		t.Fatalf("SkipWaiting 默认应为 true")
	}
	if cfg.Gateway.OfflineURL != "/offline/" || cfg.Gateway.APIPrefix != "/api/" {
		t.Fatalf("离线页面与 API 前缀应使用默认值: %+v", cfg.Gateway)
	}
	if len(cfg.Routes) != 4 || cfg.Routes[2].Strategy != "stale-while-revalidate" {
		t.Fatalf("Route 应按声明顺序解析: %+v", cfg.Routes)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Global.StorageDriver = "redis" }, "Global.StorageDriver"},
		{"bad default strategy", func(c *Config) { c.Gateway.DefaultStrategy = "cache-maybe" }, "Gateway.DefaultStrategy"},
		{"offline url relative", func(c *Config) { c.Gateway.OfflineURL = "offline.html" }, "Gateway.OfflineURL"},
		{"api prefix relative", func(c *Config) { c.Gateway.APIPrefix = "api" }, "Gateway.APIPrefix"},
		{"zero max age", func(c *Config) { c.Gateway.MaxAge = 0 }, "Gateway.MaxAge"},
		{"route prefix", func(c *Config) { c.Routes = []RouteConfig{{Prefix: "static", Strategy: "cache-first"}} }, "Route[0].Prefix"},
		{"route reserved", func(c *Config) { c.Routes = []RouteConfig{{Prefix: "/-/status", Strategy: "cache-first"}} }, "Route[0].Prefix"},
		{"route strategy", func(c *Config) { c.Routes = []RouteConfig{{Prefix: "/", Strategy: "fastest"}} }, "Route[0].Strategy"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateOriginAndVersion(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		version   string
		shouldErr bool
	}{
		{"https ok", "https://shop.local", "v1", false},
		{"http ok", "http://127.0.0.1:8000", "vgk-v1.0.0", false},
		{"missing origin", "", "v1", true},
		{"ftp origin", "ftp://shop.local", "v1", true},
		{"origin without host", "https://", "v1", true},
		{"missing version", "https://shop.local", "", true},
		{"version with slash", "https://shop.local", "v1/../x", true},
		{"hidden version", "https://shop.local", ".v1", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Gateway.Origin = tc.origin
			cfg.Gateway.CacheVersion = tc.version
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for %q/%q", tc.origin, tc.version)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for %q/%q: %v", tc.origin, tc.version, err)
			}
		})
	}
}

func TestValidateManifestSameOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Manifest = []string{"/", "https://cdn.example.com/app.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("跨源清单条目应当报错")
	}
	cfg.Gateway.Manifest = []string{"static/app.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("相对路径清单条目应当报错")
	}
}

func TestManifestPathsAppendsOfflineDocument(t *testing.T) {
	g := GatewayConfig{OfflineURL: "/offline/", Manifest: []string{"/", " /static/app.js ", ""}}
	if got := g.ManifestPaths(); !reflect.DeepEqual(got, []string{"/", "/static/app.js", "/offline/"}) {
		t.Fatalf("unexpected manifest: %v", got)
	}
	g.Manifest = []string{"/offline/", "/"}
	if got := g.ManifestPaths(); !reflect.DeepEqual(got, []string{"/offline/", "/"}) {
		t.Fatalf("offline document must not be duplicated: %v", got)
	}
}

func TestRouteTableUsesBuiltInRulesWhenEmpty(t *testing.T) {
	cfg := validConfig()
	table, err := cfg.RouteTable()
	if err != nil {
		t.Fatalf("RouteTable: %v", err)
	}
	if !reflect.DeepEqual(table.Rules(), routing.DefaultRules()) {
		t.Fatalf("expected built-in rules, got %v", table.Rules())
	}

	cfg.Routes = []RouteConfig{{Prefix: "/", Strategy: "cache-only"}}
	cfg.Gateway.DefaultStrategy = "network-only"
	table, err = cfg.RouteTable()
	if err != nil {
		t.Fatalf("RouteTable: %v", err)
	}
	if len(table.Rules()) != 1 || table.Classify("/x") != routing.CacheOnly || table.Default() != routing.NetworkOnly {
		t.Fatalf("configured routes should replace built-in rules: %v", table.Rules())
	}
}

func TestBuildRuntime(t *testing.T) {
	rt, err := BuildRuntime(validConfig())
	if err != nil {
		t.Fatalf("BuildRuntime: %v", err)
	}
	if rt.Origin.Host != "shop.local" || rt.Version != "v1" {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if rt.Manifest[len(rt.Manifest)-1] != "/offline/" {
		t.Fatalf("runtime manifest should include the offline document: %v", rt.Manifest)
	}
	if rt.MaxAge != 7*24*time.Hour {
		t.Fatalf("unexpected max age: %s", rt.MaxAge)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StorageDriver:   "fs",
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Gateway: GatewayConfig{
			Origin:          "https://shop.local",
			CacheVersion:    "v1",
			MaxAge:          Duration(7 * 24 * time.Hour),
			OfflineURL:      "/offline/",
			APIPrefix:       "/api/",
			DefaultStrategy: "network-first",
			SkipWaiting:     true,
			Manifest:        []string{"/", "/static/app.js"},
		},
	}
}
