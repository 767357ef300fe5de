package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供制品键/命中层级字段，供请求日志复用。
func RequestFields(key, kind, source string, coalesced bool) logrus.Fields {
	return logrus.Fields{
		"key":       key,
		"kind":      kind,
		"source":    source,
		"coalesced": coalesced,
	}
}
