package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/simple-cache/internal/cacheutil"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// EntryFields 描述单个缓存条目，hash 与磁盘文件名前缀一致，便于排查。
func EntryFields(action, key string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"key":    key,
		"hash":   cacheutil.EntryHashKeyAsHex(key),
	}
}

// RequestFields 提供巡检接口的请求字段，供访问日志复用。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"action":     "http",
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
