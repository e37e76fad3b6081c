package config

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type recordingSetter struct {
	calls []int64
	err   error
}

func (r *recordingSetter) SetMaxSize(_ context.Context, maxBytes int64) error {
	r.calls = append(r.calls, maxBytes)
	return r.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestHotReloadAppliesChangedMaxBytes(t *testing.T) {
	setter := &recordingSetter{}
	r := &HotReloader{target: setter, logger: quietLogger(), current: 100}

	r.handleChange(map[string]interface{}{"MaxBytes": 100})
	r.handleChange(map[string]interface{}{"LogLevel": "debug"})
	r.handleChange(map[string]interface{}{"maxbytes": float64(2048)})
	r.handleChange(map[string]interface{}{"MaxBytes": int64(-5)})
	r.handleChange(map[string]interface{}{"MaxBytes": "4096"})

	want := []int64{2048, 4096}
	if len(setter.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, setter.calls)
	}
	for i := range want {
		if setter.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, setter.calls)
		}
	}
	if r.Current() != 4096 {
		t.Fatalf("Current 应为最新容量, got %d", r.Current())
	}
}

func TestHotReloadKeepsCurrentOnFailure(t *testing.T) {
	setter := &recordingSetter{err: errors.New("closed")}
	r := &HotReloader{target: setter, logger: quietLogger(), current: 100}

	r.handleChange(map[string]interface{}{"MaxBytes": 200})
	if r.Current() != 100 {
		t.Fatalf("失败时不应更新容量, got %d", r.Current())
	}
	if len(setter.calls) != 1 {
		t.Fatalf("应尝试一次更新, got %d", len(setter.calls))
	}
}

func TestStopWithoutWatcher(t *testing.T) {
	r := &HotReloader{}
	if err := r.Stop(); err != nil {
		t.Fatalf("未启动时 Stop 不应报错: %v", err)
	}
}
