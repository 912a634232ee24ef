package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// InstanceFields 提供实例名/品牌/版本字段，供生命周期操作日志复用。
func InstanceFields(action, name, brand, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"server":  name,
		"brand":   brand,
		"version": version,
	}
}

// UpstreamFields 描述一次上游请求的目标与结果。
func UpstreamFields(action, target, url string, status int) logrus.Fields {
	return logrus.Fields{
		"action":          action,
		"target":          target,
		"upstream":        url,
		"upstream_status": status,
	}
}
