package logs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/internal/ws"
)

type collector struct {
	mu     sync.Mutex
	got    []ws.Frame
	closed bool
}

func (c *collector) Send(f ws.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, f)
	return nil
}

func (c *collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *collector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func newService(t *testing.T) (*Service, *snapshot.Memory, *ws.Hub) {
	t.Helper()
	snaps := snapshot.NewMemory()
	hub := ws.NewHub()
	t.Cleanup(hub.Stop)
	svc := New(snaps, hub, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})), time.Hour)
	return svc, snaps, hub
}

func TestAppendStreamsAndFinishPersists(t *testing.T) {
	svc, snaps, hub := newService(t)
	ctx := context.Background()
	follower := &collector{}
	hub.Register("b1", follower)

	svc.Append(ctx, "b1", "#1 => load")
	svc.Append(ctx, "b1", "#2 => CACHED copy")

	lines, err := svc.Lines(ctx, "b1")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(lines) != 2 || lines[1].Seq != 2 || lines[1].Message != "#2 => CACHED copy" {
		t.Fatalf("unexpected live lines %+v", lines)
	}

	deadline := time.Now().Add(2 * time.Second)
	for follower.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if follower.count() != 2 {
		t.Fatalf("expected 2 streamed lines, got %d", follower.count())
	}

	svc.Finish(ctx, "b1")
	deadline = time.Now().Add(2 * time.Second)
	for !follower.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !follower.isClosed() || follower.count() != 3 {
		t.Fatalf("expected an end frame and a closed follower, got %d frames", follower.count())
	}
	follower.mu.Lock()
	frames := append([]ws.Frame(nil), follower.got...)
	follower.mu.Unlock()
	if frames[1].ID != 2 || frames[2].Event != "end" || frames[2].ID != 3 {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if ttl := snaps.TTL(snapshot.BuildLogsKey("b1")); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected stored logs with 1h ttl, got %s", ttl)
	}
	stored, err := svc.Lines(ctx, "b1")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored lines, got %d", len(stored))
	}
}

func TestLinesOfUnknownBuildIsEmpty(t *testing.T) {
	svc, _, _ := newService(t)
	lines, err := svc.Lines(context.Background(), "nope")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
}

func TestAppendPersistsRunningBuildsPeriodically(t *testing.T) {
	svc, snaps, _ := newService(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	svc.Append(ctx, "b2", "first")
	if _, err := snaps.Get(ctx, snapshot.BuildLogsKey("b2")); err != nil {
		t.Fatalf("expected first line persisted, got %v", err)
	}
	svc.Append(ctx, "b2", "second")

	var stored []Line
	_ = snapshot.GetJSON(ctx, snaps, snapshot.BuildLogsKey("b2"), &stored)
	if len(stored) != 1 {
		t.Fatalf("expected throttled persistence, got %d lines", len(stored))
	}

	now = now.Add(3 * time.Second)
	svc.Append(ctx, "b2", "third")
	_ = snapshot.GetJSON(ctx, snaps, snapshot.BuildLogsKey("b2"), &stored)
	if len(stored) != 3 {
		t.Fatalf("expected 3 persisted lines, got %d", len(stored))
	}
}
