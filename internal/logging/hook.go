package logging

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/version"
)

const redacted = "[redacted]"

// nodeHook 为每条日志补充 client_id 与 build，并把客户端密钥替换为占位符。
type nodeHook struct {
	clientID int
	secret   string
}

func newNodeHook(clientID int, secret string) *nodeHook {
	return &nodeHook{clientID: clientID, secret: secret}
}

func (h *nodeHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *nodeHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["client_id"]; !ok && h.clientID > 0 {
		entry.Data["client_id"] = h.clientID
	}
	if _, ok := entry.Data["build"]; !ok {
		entry.Data["build"] = version.ClientBuild
	}
	if h.secret == "" {
		return nil
	}
	entry.Message = h.scrub(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.scrub(val)
		case error:
			if msg := val.Error(); strings.Contains(msg, h.secret) {
				entry.Data[k] = errors.New(h.scrub(msg))
			}
		}
	}
	return nil
}

func (h *nodeHook) scrub(s string) string {
	return strings.ReplaceAll(s, h.secret, redacted)
}
