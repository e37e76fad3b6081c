package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if !filepath.IsAbs(cfg.Cache.CacheDir) {
		t.Fatalf("CacheDir 应被转换为绝对路径: %s", cfg.Cache.CacheDir)
	}
	if cfg.Cache.MaxBytes != 256<<20 {
		t.Fatalf("MaxBytes 解析错误: %d", cfg.Cache.MaxBytes)
	}
	if !cfg.Cache.Optimistic {
		t.Fatalf("Optimistic 默认应开启")
	}
	if cfg.Cache.IndexFlushDelay.DurationValue() != 5*time.Second {
		t.Fatalf("IndexFlushDelay 解析错误: %s", cfg.Cache.IndexFlushDelay.DurationValue())
	}
	if cfg.Cache.HotReloadInterval.DurationValue() != 2*time.Second {
		t.Fatalf("HotReloadInterval 应该自动填充默认值")
	}
	if cfg.Global.LogMaxBackups != 10 {
		t.Fatalf("LogMaxBackups 应该自动填充默认值")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
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

func TestCacheFieldValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		field     string
		shouldErr bool
	}{
		{"valid", func(*Config) {}, "", false},
		{"auto max bytes", func(c *Config) { c.Cache.MaxBytes = 0 }, "", false},
		{"negative max bytes", func(c *Config) { c.Cache.MaxBytes = -1 }, "Cache.MaxBytes", true},
		{"empty dir", func(c *Config) { c.Cache.CacheDir = " " }, "Cache.CacheDir", true},
		{"no workers", func(c *Config) { c.Cache.Workers = 0 }, "Cache.Workers", true},
		{"zero flush delay", func(c *Config) { c.Cache.IndexFlushDelay = 0 }, "Cache.IndexFlushDelay", true},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel", true},
		{"hot reload too fast", func(c *Config) {
			c.Cache.HotReload = true
			c.Cache.HotReloadInterval = Duration(time.Millisecond)
		}, "Cache.HotReloadInterval", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !tc.shouldErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			fe := requireFieldError(t, err, tc.field)
			if !strings.Contains(fe.Error(), "TOML 键 "+fe.Key()) {
				t.Fatalf("错误信息应包含 TOML 键名: %v", fe)
			}
		})
	}
}

func TestMaxBytesLabel(t *testing.T) {
	if got := (CacheConfig{}).MaxBytesLabel(); got != "auto" {
		t.Fatalf("未配置容量时应显示 auto, got %s", got)
	}
	if got := (CacheConfig{MaxBytes: 1024}).MaxBytesLabel(); got != "1024" {
		t.Fatalf("容量标签错误: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort: 5000,
			LogLevel:   "info",
		},
		Cache: CacheConfig{
			CacheDir:          "./data",
			MaxBytes:          1 << 20,
			Optimistic:        true,
			Workers:           2,
			IndexFlushDelay:   Duration(time.Second),
			HotReloadInterval: Duration(time.Second),
		},
	}
}
