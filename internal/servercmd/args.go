package servercmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/hath-node/hath-node/internal/errkind"
)

// Args 是 `key=value;key=value` 形式的附加参数。
type Args map[string]string

// ParseArgs 解析附加参数；过短或缺少 `=` 的片段被忽略，重复键以后者为准。
func ParseArgs(additional string) Args {
	args := Args{}
	for _, part := range strings.Split(additional, ";") {
		if len(part) <= 2 {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return args
}

// String 返回键对应的值，缺失时返回 fallback。
func (a Args) String(key, fallback string) string {
	if value, ok := a[key]; ok && value != "" {
		return value
	}
	return fallback
}

// Require 返回必填键的值。
func (a Args) Require(key string) (string, error) {
	value, ok := a[key]
	if !ok || value == "" {
		return "", errkind.New(errkind.Validation, "parse_args", fmt.Errorf("missing argument %q", key))
	}
	return value, nil
}

// Int 将键转换为 int。
func (a Args) Int(key string) (int, error) {
	raw, err := a.Require(key)
	if err != nil {
		return 0, err
	}
	value, err := cast.ToIntE(raw)
	if err != nil {
		return 0, errkind.New(errkind.Validation, "parse_args", fmt.Errorf("argument %q: %w", key, err))
	}
	return value, nil
}

// Int64 将键转换为 int64。
func (a Args) Int64(key string) (int64, error) {
	raw, err := a.Require(key)
	if err != nil {
		return 0, err
	}
	value, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, errkind.New(errkind.Validation, "parse_args", fmt.Errorf("argument %q: %w", key, err))
	}
	return value, nil
}
