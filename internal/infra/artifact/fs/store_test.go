package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"forestmc/internal/artifact/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	key := "batches/mc_x/runs/0/0/output.json"
	info, err := store.Put(ctx, key, bytes.NewReader([]byte(`{"ok":true}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"attempt": "0"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != 11 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	h, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	g, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != `{"ok":true}` || g.ETag != h.ETag {
		t.Fatalf("unexpected get result: %q etag %s vs %s", b, g.ETag, h.ETag)
	}
	if h.Metadata["attempt"] != "0" {
		t.Fatalf("metadata lost: %+v", h.Metadata)
	}
	list, err := store.List(ctx, "batches/mc_x/runs/0/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != key {
		t.Fatalf("unexpected list %+v", list)
	}
	ok, err := store.Delete(ctx, key)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, key); err != nil || ok {
		t.Fatalf("second delete should be a no-op: %v %v", ok, err)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	key := "batches/mc_x/runs/3/1/stderr.log"
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("first")), core.PutOptions{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	info, err := store.Put(ctx, key, bytes.NewReader([]byte("second try")), core.PutOptions{})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if info.Size != 10 {
		t.Fatalf("expected rewrite size 10, got %d", info.Size)
	}
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "second try" {
		t.Fatalf("expected overwrite to win, got %q", b)
	}
}

func TestStore_KeySanitization(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "  ", "../escape", "a/../../b", "/abs/path"} {
		if _, err := store.Put(ctx, key, bytes.NewReader(nil), core.PutOptions{}); err == nil {
			t.Fatalf("expected put of %q to be rejected", key)
		}
	}
}

func TestStore_MissingKey(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Head(ctx, "nope"); err == nil {
		t.Fatal("expected head error")
	}
	if _, _, err := store.Get(ctx, "nope"); err == nil {
		t.Fatal("expected get error")
	}
	if ok, err := store.Delete(ctx, "nope"); err != nil || ok {
		t.Fatalf("expected delete false, got %v %v", ok, err)
	}
}

func TestStore_ListFiltersAttemptPrefixes(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{
		"batches/mc_x/runs/0/0/output.json",
		"batches/mc_x/runs/0/1/output.json",
		"batches/mc_x/runs/1/0/output.json",
	} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "batches/mc_x/runs/0/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both attempts of run 0, got %+v", list)
	}
	all, err := store.List(ctx, "batches/mc_x/")
	if err != nil {
		t.Fatalf("list batch: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(all))
	}
}

func TestStore_PresignLocalURL(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	url, err := store.PresignURL(ctx, "batches/mc_x/runs/0/0/output.json", core.SignedURLOptions{})
	if err != nil || url == "" {
		t.Fatalf("presign: %v %q", err, url)
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err == nil {
		t.Fatal("expected unsupported method error")
	}
}

func TestStore_DefaultRootAndDriver(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(cwd) }()
	store, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("expected fs driver, got %s", store.Driver())
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts")); err != nil {
		t.Fatalf("expected default root created: %v", err)
	}
}
