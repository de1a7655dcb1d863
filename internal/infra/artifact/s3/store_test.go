package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"

	"forestmc/internal/artifact/core"
)

func TestStore_MockedBasicFlow(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected s3 driver, got %s", store.Driver())
	}
	key := "batches/mc_x/runs/0/0/output.json"
	info, err := store.Put(ctx, key, bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Head(ctx, key); err != nil {
		t.Fatalf("head: %v", err)
	}
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("get mismatch: %q", data)
	}
	list, err := store.List(ctx, "batches/mc_x/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if url, err := store.PresignURL(ctx, key, core.SignedURLOptions{}); err != nil || url == "" {
		t.Fatalf("presign: %v %q", err, url)
	}
	if ok, err := store.Delete(ctx, key); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	key := "batches/mc_x/runs/0/0/output.json"
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("first")), core.PutOptions{}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("second try")), core.PutOptions{}); err != nil {
		t.Fatalf("second put: %v", err)
	}
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "second try" {
		t.Fatalf("expected overwrite to win, got %q", data)
	}
}

func TestStore_ErrorPaths(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); err == nil {
		t.Fatal("expected head error for missing key")
	}
	if _, _, err := store.Get(ctx, "nope"); err == nil {
		t.Fatal("expected get error for missing key")
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err == nil {
		t.Fatal("expected presign unsupported error")
	}
}

func TestStore_PresignCustomExpiry(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Put(ctx, "k.txt", bytes.NewReader([]byte("body")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if url, err := store.PresignURL(ctx, "k.txt", core.SignedURLOptions{Expiry: 30 * time.Second}); err != nil || url == "" {
		t.Fatalf("presign custom: %v %q", err, url)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNew_WithStaticCredentials(t *testing.T) {
	s, err := New(context.Background(), Config{
		Bucket:          "bkt",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Driver() != core.DriverS3 {
		t.Fatal("expected s3 driver")
	}
}

func TestOpenFromEnv(t *testing.T) {
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatal("expected error without bucket env")
	}
	t.Setenv("FORESTMC_ARTIFACT_S3_BUCKET", "env-bucket")
	t.Setenv("FORESTMC_ARTIFACT_S3_REGION", "us-east-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	if _, err := OpenFromEnv(context.Background()); err != nil {
		t.Fatalf("OpenFromEnv: %v", err)
	}
}

func TestFromHeadNilBranches(t *testing.T) {
	store := NewMockForTests()
	info := store.fromHead("k", 10, nil, aws.String("\"etagval\""), map[string]string{"x": "y"}, nil)
	if info.ETag != "etagval" || info.ContentType != "" || info.Key != "k" || info.Size != 10 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestDecodeChunkedHelper(t *testing.T) {
	if _, ok := decodeChunked([]byte("not-chunked")); ok {
		t.Fatal("expected non-chunked input to fail")
	}
	if _, ok := decodeChunked([]byte("5\r\nabc\r\n0\r\n")); ok {
		t.Fatal("size mismatch should fail")
	}
	if b, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("expected decode hello, got %q %v", b, ok)
	}
}

func TestMockUnsupportedMethod(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	req, _ := http.NewRequest(http.MethodPatch, "https://mock.s3.local/bucket/key", nil)
	resp, _ := rt.RoundTrip(req)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}
