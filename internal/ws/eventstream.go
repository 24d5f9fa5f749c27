package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventStream writes frames as server-sent events.
type EventStream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewEventStream sends the event stream headers and returns the stream.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &EventStream{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

// Send writes f as one event. Multi-line payloads become multiple data fields.
func (e *EventStream) Send(f Frame) error {
	var buf bytes.Buffer
	if f.ID > 0 {
		fmt.Fprintf(&buf, "id: %d\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(buf.Bytes())
}

// Heartbeat writes a comment so idle proxies keep the connection open.
func (e *EventStream) Heartbeat() error {
	return e.write([]byte(": ping\n\n"))
}

func (e *EventStream) write(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return io.EOF
	}
	if _, err := e.w.Write(p); err != nil {
		e.closeLocked()
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *EventStream) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
}

// Done is closed once the stream is closed.
func (e *EventStream) Done() <-chan struct{} {
	return e.done
}

func (e *EventStream) closeLocked() {
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

// LastEventID returns the last frame id a reconnecting follower saw, read from the
// Last-Event-ID header or the lastEventId query parameter. Zero means replay everything.
func LastEventID(req *http.Request) int {
	raw := req.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = req.URL.Query().Get("lastEventId")
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
