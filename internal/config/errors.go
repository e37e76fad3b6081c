package config

import (
	"fmt"
	"strings"
)

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
// Field 形如 "Cache.Workers"；顶层旧字段没有段前缀。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	if key := e.Key(); key != e.Field {
		return fmt.Sprintf("%s (TOML 键 %s): %s", e.Field, key, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Key 返回字段路径的最后一段，即配置文件里实际书写的键名。
func (e FieldError) Key() string {
	if i := strings.LastIndexByte(e.Field, '.'); i >= 0 {
		return e.Field[i+1:]
	}
	return e.Field
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}
