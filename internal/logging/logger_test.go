package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/simple-cache/internal/cacheutil"
	"github.com/any-hub/simple-cache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	// 用普通文件占住目录位置，root 运行时 MkdirAll 同样会失败。
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o600); err != nil {
		t.Fatalf("创建占位文件失败: %v", err)
	}

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "simple-cache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestBuildOutputLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := buildOutput(config.GlobalConfig{LogFilePath: filepath.Join(dir, "simple-cache.log")}); err != nil {
		t.Fatalf("可写目录不应降级: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("写权限检测后目录应为空, got %d 项", len(entries))
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simple-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestEntryFieldsCarryHash(t *testing.T) {
	fields := EntryFields("doom", "k")
	if fields["hash"] != cacheutil.EntryHashKeyAsHex("k") {
		t.Fatalf("hash 字段应与文件名前缀一致: %v", fields["hash"])
	}
	if fields["action"] != "doom" || fields["key"] != "k" {
		t.Fatalf("字段内容错误: %v", fields)
	}
}
