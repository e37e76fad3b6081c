package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// requireFieldError 断言 err 为指向 field 的 FieldError 并返回它。
func requireFieldError(t *testing.T, err error, field string) FieldError {
	t.Helper()
	var fe FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %T (%v)", err, err)
	}
	if fe.Field != field {
		t.Fatalf("expected field %s, got %s", field, fe.Field)
	}
	return fe
}
