package servercmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/errkind"
)

// Executor 查找并执行命令，统一处理缺失命令、错误与 panic。
type Executor struct {
	registry *Registry
	logger   *logrus.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, logger *logrus.Logger) *Executor {
	return &Executor{registry: registry, logger: logger}
}

// Execute 执行命令。未知命令返回 404，参数错误返回 400，其余失败返回 500。
func (e *Executor) Execute(ctx context.Context, name, additional, requestID string) Result {
	started := time.Now()
	fields := logrus.Fields{"action": "servercmd", "command": name}
	if requestID != "" {
		fields["request_id"] = requestID
	}

	cmd, ok := e.registry.Fetch(name)
	if !ok {
		e.logger.WithFields(fields).Warn("servercmd_unknown")
		return Result{Status: http.StatusNotFound}
	}

	result, err := e.invoke(ctx, cmd, ParseArgs(additional))
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		status := http.StatusInternalServerError
		if errkind.Is(err, errkind.Validation) {
			status = http.StatusBadRequest
		}
		fields["error_kind"] = errkind.KindOf(err)
		e.logger.WithFields(fields).WithError(err).Error("servercmd_failed")
		return Result{Status: status}
	}
	if result.Status == 0 {
		result.Status = http.StatusOK
	}
	fields["status"] = result.Status
	e.logger.WithFields(fields).Info("servercmd_complete")
	return result
}

func (e *Executor) invoke(ctx context.Context, cmd Command, args Args) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	result, err = cmd(ctx, args)
	if err == nil && result.Body != nil && result.Size < 0 {
		err = errors.New("stream result requires a size")
	}
	return result, err
}
