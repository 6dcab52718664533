package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 ID、客户端地址与文件标识字段，供文件服务日志复用。
func RequestFields(requestID, clientIP, fileID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"client_ip": clientIP,
		"file_id":   fileID,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// RPCFields 描述一次控制服务器调用。
func RPCFields(action, host string) logrus.Fields {
	return logrus.Fields{
		"action":   "rpc",
		"rpc_act":  action,
		"rpc_host": host,
	}
}
