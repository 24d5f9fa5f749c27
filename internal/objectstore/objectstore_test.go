package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryEnsureBuckets(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if err := EnsureBuckets(ctx, store, "cache-layers", "cache-metadata"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	// Second call is a no-op.
	if err := EnsureBuckets(ctx, store, "cache-layers"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if ok, _ := store.BucketExists(ctx, "cache-metadata"); !ok {
		t.Fatalf("expected cache-metadata to exist")
	}
	if ok, _ := store.BucketExists(ctx, "cache-manifests"); ok {
		t.Fatalf("did not expect cache-manifests to exist")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if err := store.Put(ctx, "missing", "a", []byte("x")); err == nil {
		t.Fatalf("expected error writing to missing bucket")
	}
	_ = store.CreateBucket(ctx, "cache-layers")
	if err := store.Put(ctx, "cache-layers", "p/x86_64/sha256:abc", []byte("layer")); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	testRead(t, store, "cache-layers", "p/x86_64/sha256:abc", "layer")

	store.SetFailures(true, false)
	if _, err := store.Get(ctx, "cache-layers", "p/x86_64/sha256:abc"); err == nil {
		t.Fatalf("expected injected failure")
	}
	store.SetFailures(false, false)

	if err := store.Remove(ctx, "cache-layers", "p/x86_64/sha256:abc"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := store.Get(ctx, "cache-layers", "p/x86_64/sha256:abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Puts() != 1 {
		t.Fatalf("expected 1 put, got %d", store.Puts())
	}
}

func TestNewS3RejectsBadURL(t *testing.T) {
	if _, err := NewS3("://nope", ""); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NewS3("minio", ""); err == nil {
		t.Fatalf("expected missing host error")
	}
}

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	store, err := NewS3(NewTestMinioURL(t, ctx), "")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	if ok, err := store.BucketExists(ctx, "cache-layers"); err != nil || ok {
		t.Fatalf("expected missing bucket, got %v %v", ok, err)
	}
	if err := EnsureBuckets(ctx, store, "cache-layers", "cache-metadata", "cache-manifests"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	// Creating an owned bucket again succeeds.
	if err := store.CreateBucket(ctx, "cache-layers"); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	if err := store.Put(ctx, "cache-layers", "p1/arm64/sha256:def", []byte("payload")); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	testRead(t, store, "cache-layers", "p1/arm64/sha256:def", "payload")

	if err := store.Remove(ctx, "cache-layers", "p1/arm64/sha256:def"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := store.Get(ctx, "cache-layers", "p1/arm64/sha256:def"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRead(t *testing.T, s Store, bucket, path, want string) {
	t.Helper()
	rc, err := s.Get(context.Background(), bucket, path)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func NewTestMinioURL(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	const (
		username = "minioadmin"
		password = "minioadmin"
	)
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     username,
				"MINIO_ROOT_PASSWORD": password,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("9000/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return fmt.Sprintf("http://%s:%s@%s", username, password, endpoint)
}
