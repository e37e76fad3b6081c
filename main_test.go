package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("SIMPLE_CACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("SIMPLE_CACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || !opts.checkOnly {
		t.Fatalf("默认配置路径或标志解析错误: %+v", opts)
	}
	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含失败原因，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "simple-cache") {
		t.Fatalf("version 输出应包含 simple-cache 标识")
	}
}

func TestCacheOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Cache: config.CacheConfig{
			CacheDir:        "/var/cache/simple",
			MaxBytes:        1 << 30,
			Optimistic:      true,
			Workers:         8,
			IndexFlushDelay: config.Duration(3 * time.Second),
		},
	}
	logger := logrus.New()
	opts := cacheOptions(cfg, logger)
	if opts.Dir != "/var/cache/simple" || opts.MaxBytes != 1<<30 || !opts.Optimistic || opts.Workers != 8 {
		t.Fatalf("缓存参数映射错误: %+v", opts)
	}
	if opts.IndexFlushDelay != 3*time.Second {
		t.Fatalf("IndexFlushDelay 映射错误: %s", opts.IndexFlushDelay)
	}
	if opts.Logger != logger {
		t.Fatalf("Logger 应透传")
	}
}
