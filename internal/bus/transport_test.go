package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	redis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	client := NewTestRedisClient(t, ctx)
	testTransport(t, NewRedis(client, discardLogger()))
}

func TestAMQPTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	b, err := DialAMQP(NewTestAMQPURL(t, ctx), "buildplane-test", discardLogger())
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer b.Close()
	testTransport(t, b)
}

func testTransport(t *testing.T, b Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got := make(chan Message, 8)
	go func() {
		_ = b.Subscribe(ctx, func(_ context.Context, msg Message) { got <- msg })
	}()

	want := BuildAssignment{BuilderID: "node-7", BuildID: "build-7", ProjectID: "project-7"}
	want.Platforms = []string{"linux/amd64"}

	// Subscriptions become active asynchronously and delivery is at most once, so keep
	// publishing until the first message arrives.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			a, ok := msg.(BuildAssignment)
			if !ok || a.BuilderID != want.BuilderID || a.BuildID != want.BuildID {
				t.Fatalf("unexpected message %#v", msg)
			}
			return
		case <-ticker.C:
			if err := b.Publish(ctx, want); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		case <-ctx.Done():
			t.Fatalf("message not delivered")
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func NewTestRedisClient(tb testing.TB, ctx context.Context) *redis.Client {
	tb.Helper()

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("6379/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

func NewTestAMQPURL(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5672/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint)
}
