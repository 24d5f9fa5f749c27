// Package logs buffers build output, streams it to followers and keeps it in the shared
// snapshot store for later retrieval.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/internal/ws"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultPersistEvery = 2 * time.Second
)

// Line is one line of build output.
type Line struct {
	BuildID string    `json:"buildId"`
	Seq     int       `json:"seq"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Service handles log persistence and streaming.
type Service struct {
	snapshots snapshot.Store
	hub       *ws.Hub
	logger    *slog.Logger
	ttl       time.Duration

	// persistEvery throttles snapshot writes of running builds.
	persistEvery time.Duration
	now          func() time.Time

	mu   sync.Mutex
	live map[string]*buffer
}

type buffer struct {
	lines     []Line
	persisted time.Time
}

// New constructs a log service. hub may be nil when nothing streams.
func New(snapshots snapshot.Store, hub *ws.Hub, logger *slog.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		snapshots:    snapshots,
		hub:          hub,
		logger:       logger.With("component", "logs"),
		ttl:          ttl,
		persistEvery: defaultPersistEvery,
		now:          time.Now,
		live:         make(map[string]*buffer),
	}
}

// Append buffers and broadcasts one line of a running build.
func (s *Service) Append(ctx context.Context, buildID, message string) {
	s.mu.Lock()
	buf, ok := s.live[buildID]
	if !ok {
		buf = &buffer{}
		s.live[buildID] = buf
	}
	line := Line{BuildID: buildID, Seq: len(buf.lines) + 1, Message: message, Time: s.now().UTC()}
	buf.lines = append(buf.lines, line)
	var pending []Line
	if s.now().Sub(buf.persisted) >= s.persistEvery {
		buf.persisted = s.now()
		pending = append([]Line(nil), buf.lines...)
	}
	s.mu.Unlock()

	s.broadcast(line)
	if pending != nil {
		s.persist(ctx, buildID, pending)
	}
}

// Finish persists the complete output of a build and releases its buffer.
func (s *Service) Finish(ctx context.Context, buildID string) {
	s.mu.Lock()
	buf, ok := s.live[buildID]
	delete(s.live, buildID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.persist(ctx, buildID, buf.lines)
	if s.hub != nil {
		end, _ := json.Marshal(map[string]any{"buildId": buildID, "lines": len(buf.lines)})
		s.hub.End(buildID, ws.Frame{ID: len(buf.lines) + 1, Event: "end", Data: end})
	}
}

// Lines returns the output of a build: the live buffer while it runs, the stored copy
// afterwards, or nothing when the logs expired.
func (s *Service) Lines(ctx context.Context, buildID string) ([]Line, error) {
	s.mu.Lock()
	if buf, ok := s.live[buildID]; ok {
		lines := append([]Line(nil), buf.lines...)
		s.mu.Unlock()
		return lines, nil
	}
	s.mu.Unlock()

	var lines []Line
	if err := snapshot.GetJSON(ctx, s.snapshots, snapshot.BuildLogsKey(buildID), &lines); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return []Line{}, nil
		}
		return nil, err
	}
	return lines, nil
}

// Hub returns the streaming hub, nil when this process does not stream.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) persist(ctx context.Context, buildID string, lines []Line) {
	if s.snapshots == nil {
		return
	}
	if err := snapshot.PutJSON(ctx, s.snapshots, snapshot.BuildLogsKey(buildID), lines, s.ttl); err != nil {
		s.logger.Warn("failed to store build logs", "build_id", buildID, "error", err)
	}
}

func (s *Service) broadcast(line Line) {
	if s.hub == nil {
		return
	}
	data, err := MarshalLine(line)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(line.BuildID, ws.Frame{ID: line.Seq, Data: data})
}

// MarshalLine formats a line for streaming payloads.
func MarshalLine(line Line) ([]byte, error) {
	return json.Marshal(line)
}
