package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 收集 run() 在测试期间写出的内容。
type cliOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func captureCLI(t *testing.T) *cliOutput {
	t.Helper()
	out := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &out.stdout, &out.stderr
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out
}

// configFixture 返回 internal/config/testdata 下的配置样例。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("internal", "config", "testdata", name)
}

// nodeLayout 是一个测试节点在临时目录下的文件布局。
type nodeLayout struct {
	root     string
	cache    string
	temp     string
	download string
	state    string
}

func newNodeLayout(t *testing.T) nodeLayout {
	t.Helper()
	root := t.TempDir()
	return nodeLayout{
		root:     root,
		cache:    filepath.Join(root, "cache"),
		temp:     filepath.Join(root, "tmp"),
		download: filepath.Join(root, "download"),
		state:    filepath.Join(root, "state.json"),
	}
}

// writeConfig 写出指向该布局的节点配置，extra 追加在全局段末尾。
func (l nodeLayout) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("ListenPort = 4430\n")
	b.WriteString(`CachePath = "` + l.cache + "\"\n")
	b.WriteString(`TempPath = "` + l.temp + "\"\n")
	b.WriteString(`DownloadPath = "` + l.download + "\"\n")
	b.WriteString(`StateFilePath = "` + l.state + "\"\n")
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString(extra + "\n")
	}
	b.WriteString("\n[Client]\nID = 12345\nKey = \"abcdefghij0123456789\"\n")

	file := filepath.Join(l.root, "config.toml")
	if err := os.WriteFile(file, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// putCacheFile 按 <hash[0:2]>/<hash[2:4]>/<fileID> 布局写入缓存文件。
func (l nodeLayout) putCacheFile(t *testing.T, fileID string, data []byte) {
	t.Helper()
	dir := filepath.Join(l.cache, fileID[0:2], fileID[2:4])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建缓存目录失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileID), data, 0o644); err != nil {
		t.Fatalf("写入缓存文件失败: %v", err)
	}
}
