package config

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
	"github.com/sirupsen/logrus"
)

// applyTimeout 限制一次热更新等待缓存后端应答的时间。
const applyTimeout = 5 * time.Second

// MaxBytesSetter 由缓存客户端实现，热更新只调整容量上限。
type MaxBytesSetter interface {
	SetMaxSize(ctx context.Context, maxBytes int64) error
}

// HotReloader 监听配置文件变化，把新的 MaxBytes 应用到运行中的缓存。
type HotReloader struct {
	watcher *argus.Watcher
	target  MaxBytesSetter
	logger  *logrus.Logger

	mu      sync.Mutex
	current int64
}

// WatchMaxBytes 创建并启动配置文件监听；current 为启动时生效的容量。
func WatchMaxBytes(path string, interval time.Duration, current int64, target MaxBytesSetter, logger *logrus.Logger) (*HotReloader, error) {
	r := &HotReloader{
		target:  target,
		logger:  logger,
		current: current,
	}
	watcher, err := argus.UniversalConfigWatcherWithConfig(path, r.handleChange, argus.Config{
		PollInterval: interval,
	})
	if err != nil {
		return nil, err
	}
	r.watcher = watcher
	if !watcher.IsRunning() {
		if err := watcher.Start(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Stop 停止监听，可重复调用。
func (r *HotReloader) Stop() error {
	if r.watcher == nil || !r.watcher.IsRunning() {
		return nil
	}
	return r.watcher.Stop()
}

// Current 返回最近一次成功应用的容量。
func (r *HotReloader) Current() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *HotReloader) handleChange(data map[string]interface{}) {
	maxBytes, ok := lookupMaxBytes(data)
	if !ok || maxBytes <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if maxBytes == r.current {
		return
	}

	fields := logrus.Fields{
		"action":   "hot_reload",
		"previous": r.current,
		"max_size": maxBytes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := r.target.SetMaxSize(ctx, maxBytes); err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("容量热更新失败")
		return
	}
	r.current = maxBytes
	r.logger.WithFields(fields).Info("容量已热更新")
}

// lookupMaxBytes 在解析结果中查找 MaxBytes，键名不区分大小写。
func lookupMaxBytes(data map[string]interface{}) (int64, bool) {
	for key, value := range data {
		if !strings.EqualFold(key, "MaxBytes") {
			continue
		}
		switch v := value.(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		case string:
			parsed, err := parseInt(strings.TrimSpace(v))
			return parsed, err == nil
		}
		return 0, false
	}
	return 0, false
}
