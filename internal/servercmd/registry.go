package servercmd

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
)

// Result 是命令的输出：纯文本或定长字节流。
type Result struct {
	Status int
	Text   string
	Body   io.Reader
	Size   int64
}

// Command 执行一条控制命令。
type Command func(ctx context.Context, args Args) (Result, error)

// ErrDuplicateCommand indicates a command name already has a handler registered.
var ErrDuplicateCommand = errors.New("command already registered")

// Registry 保存命令名到处理函数的映射。
type Registry struct {
	commands sync.Map
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{}
}

// Register stores a command under the given name.
func (r *Registry) Register(name string, cmd Command) error {
	key := normalizeName(name)
	if key == "" {
		return errors.New("command name required")
	}
	if cmd == nil {
		return errors.New("command handler required")
	}
	if _, loaded := r.commands.LoadOrStore(key, cmd); loaded {
		return ErrDuplicateCommand
	}
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(name string, cmd Command) {
	if err := r.Register(name, cmd); err != nil {
		panic(err)
	}
}

// Fetch retrieves the command registered under name.
func (r *Registry) Fetch(name string) (Command, bool) {
	key := normalizeName(name)
	if key == "" {
		return nil, false
	}
	if value, ok := r.commands.Load(key); ok {
		if cmd, ok := value.(Command); ok {
			return cmd, true
		}
	}
	return nil, false
}

// Names 返回已注册命令名（排序后）。
func (r *Registry) Names() []string {
	var names []string
	r.commands.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
