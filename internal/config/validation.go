package config

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// minHotReloadInterval 是轮询配置文件的最小间隔，过小会导致频繁 stat。
const minHotReloadInterval = 100 * time.Millisecond

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if level := strings.TrimSpace(g.LogLevel); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别: "+level)
		}
	}
	if g.LogMaxSize < 0 {
		return newFieldError("Global.LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxBackups", "不能为负数")
	}

	cc := c.Cache
	if strings.TrimSpace(cc.CacheDir) == "" {
		return newFieldError("Cache.CacheDir", "不能为空")
	}
	if cc.MaxBytes < 0 {
		return newFieldError("Cache.MaxBytes", "不能为负数，0 表示自动推导")
	}
	if cc.Workers <= 0 {
		return newFieldError("Cache.Workers", "必须大于 0")
	}
	if cc.IndexFlushDelay.DurationValue() <= 0 {
		return newFieldError("Cache.IndexFlushDelay", "必须大于 0")
	}
	if cc.HotReload && cc.HotReloadInterval.DurationValue() < minHotReloadInterval {
		return newFieldError("Cache.HotReloadInterval", "不能小于 100ms")
	}

	return nil
}
