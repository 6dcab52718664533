package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/logging"
)

type fixedLimit int64

func (f fixedLimit) DiskLimitBytes() int64 { return int64(f) }

func newTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := NewStore(Options{
		Root:      "/files/cache",
		StatePath: "/files/state.json",
		Fs:        fsys,
		Limits:    fixedLimit(0),
	}, logging.Discard())
	if err != nil {
		t.Fatalf("NewStore 失败: %v", err)
	}
	return store, fsys
}

func fileFor(data []byte, typ string) RequestedFile {
	sum := sha1.Sum(data)
	return RequestedFile{Hash: hex.EncodeToString(sum[:]), Size: len(data), XRes: 1280, YRes: 720, Type: typ}
}

func TestSaveAcceptsMatchingHash(t *testing.T) {
	store, _ := newTestStore(t)
	payload := []byte("payload bytes")
	file := fileFor(payload, "jpg")

	if err := store.Save(context.Background(), file, payload); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}
	if !store.IsPresent(file) {
		t.Fatalf("保存后应存在")
	}
	acct := store.Accounting()
	if acct.CacheFilesCount != 1 || acct.CacheSize != int64(len(payload)) {
		t.Fatalf("统计应增加一个文件与 %d 字节: %+v", len(payload), acct)
	}

	result, err := store.Open(file)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	defer result.Reader.Close()
	body, _ := io.ReadAll(result.Reader)
	if string(body) != string(payload) || result.SizeBytes != int64(len(payload)) {
		t.Fatalf("读取内容不一致: %q", body)
	}
}

func TestSaveRejectsHashMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	file := fileFor([]byte("expected"), "png")

	err := store.Save(context.Background(), file, []byte("tampered"))
	var integrity *IntegrityError
	if !errors.As(err, &integrity) || !errkind.Is(err, errkind.Integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if store.IsPresent(file) {
		t.Fatalf("校验失败不应落盘")
	}
	if acct := store.Accounting(); acct.CacheFilesCount != 0 || acct.CacheSize != 0 {
		t.Fatalf("校验失败不应改变统计: %+v", acct)
	}
}

func TestSaveTwiceCountsOnce(t *testing.T) {
	store, _ := newTestStore(t)
	payload := []byte("dup")
	file := fileFor(payload, "gif")
	for i := 0; i < 2; i++ {
		if err := store.Save(context.Background(), file, payload); err != nil {
			t.Fatalf("Save 失败: %v", err)
		}
	}
	if acct := store.Accounting(); acct.CacheFilesCount != 1 {
		t.Fatalf("重复保存不应重复计数: %+v", acct)
	}
}

func TestPathLayout(t *testing.T) {
	store, _ := newTestStore(t)
	file := fileFor([]byte("x"), "jpg")
	want := filepath.Join("/files/cache", file.Hash[0:2], file.Hash[2:4], file.FileID())
	if got := store.Path(file); got != want {
		t.Fatalf("路径错误: got %s want %s", got, want)
	}
}

func TestOpenMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Open(fileFor([]byte("nope"), "jpg")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInitRescansWhenStateMissing(t *testing.T) {
	store, fsys := newTestStore(t)
	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf("file-%d", i))
		file := fileFor(payload, "jpg")
		path := store.Path(file)
		_ = fsys.MkdirAll(filepath.Dir(path), 0o755)
		if err := afero.WriteFile(fsys, path, payload, 0o644); err != nil {
			t.Fatalf("写入失败: %v", err)
		}
	}
	_ = afero.WriteFile(fsys, "/files/cache/stray.txt", []byte("ignored"), 0o644)

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	acct := store.Accounting()
	if acct.CacheFilesCount != 3 || acct.CacheSize != int64(len("file-0")*3) {
		t.Fatalf("扫描统计错误: %+v", acct)
	}
	if exists, _ := afero.Exists(fsys, "/files/state.json"); !exists {
		t.Fatalf("Init 应写回统计文件")
	}
}

func TestInitLoadsPersistedState(t *testing.T) {
	store, fsys := newTestStore(t)
	_ = afero.WriteFile(fsys, "/files/state.json", []byte(`{"cache_size":500,"cache_files_count":5}`), 0o644)

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	if acct := store.Accounting(); acct.CacheSize != 500 || acct.CacheFilesCount != 5 {
		t.Fatalf("应加载持久化统计: %+v", acct)
	}
}

func TestValidateAllCountsBadFiles(t *testing.T) {
	store, fsys := newTestStore(t)
	good := []byte("good")
	goodFile := fileFor(good, "jpg")
	if err := store.Save(context.Background(), goodFile, good); err != nil {
		t.Fatalf("Save 失败: %v", err)
	}
	badFile := fileFor([]byte("original"), "png")
	path := store.Path(badFile)
	_ = fsys.MkdirAll(filepath.Dir(path), 0o755)
	_ = afero.WriteFile(fsys, path, []byte("corrupted"), 0o644)

	report, err := store.ValidateAll(context.Background())
	if err != nil {
		t.Fatalf("ValidateAll 失败: %v", err)
	}
	if report.Checked != 2 || report.OK != 1 || report.Bad != 1 {
		t.Fatalf("校验结果错误: %+v", report)
	}
	if len(report.BadIDs) != 1 || report.BadIDs[0] != badFile.FileID() {
		t.Fatalf("损坏文件列表错误: %v", report.BadIDs)
	}
}

func TestValidateFileHash(t *testing.T) {
	store, fsys := newTestStore(t)
	_ = afero.WriteFile(fsys, "/tmp/x", []byte("abc"), 0o644)
	sum := sha1.Sum([]byte("abc"))
	ok, err := store.ValidateFileHash(context.Background(), "/tmp/x", hex.EncodeToString(sum[:]))
	if err != nil || !ok {
		t.Fatalf("哈希应匹配: ok=%v err=%v", ok, err)
	}
	ok, _ = store.ValidateFileHash(context.Background(), "/tmp/x", "00")
	if ok {
		t.Fatalf("错误哈希不应匹配")
	}
}
