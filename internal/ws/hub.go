// Package ws fans build log lines out to streaming followers.
package ws

import "sync"

// Frame is one streamed event. IDs increase within a build so followers can resume.
type Frame struct {
	ID    int
	Event string
	Data  []byte
}

// Subscriber receives the frames of one build.
type Subscriber interface {
	Send(Frame) error
	Close()
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opPublish
	opEnd
)

type op struct {
	kind    opKind
	buildID string
	sub     Subscriber
	frame   Frame
}

// Hub routes frames to the followers of each build. A single goroutine applies every
// operation so frames reach a follower in the order they were published.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]map[Subscriber]struct{}
	ops      chan op
	done     chan struct{}
	stopOnce sync.Once
}

func NewHub() *Hub {
	h := &Hub{
		streams: make(map[string]map[Subscriber]struct{}),
		ops:     make(chan op, 256),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, subs := range h.streams {
				for s := range subs {
					s.Close()
				}
			}
			h.streams = make(map[string]map[Subscriber]struct{})
			h.mu.Unlock()
			return
		case o := <-h.ops:
			h.apply(o)
		}
	}
}

func (h *Hub) apply(o op) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.streams[o.buildID]
	switch o.kind {
	case opJoin:
		if subs == nil {
			subs = make(map[Subscriber]struct{})
			h.streams[o.buildID] = subs
		}
		subs[o.sub] = struct{}{}
	case opLeave:
		delete(subs, o.sub)
	case opPublish:
		for s := range subs {
			if err := s.Send(o.frame); err != nil {
				s.Close()
				delete(subs, s)
			}
		}
	case opEnd:
		for s := range subs {
			_ = s.Send(o.frame)
			s.Close()
		}
		subs = nil
	}
	if len(subs) == 0 {
		delete(h.streams, o.buildID)
	}
}

func (h *Hub) submit(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

// Register makes sub follow buildID. sub is closed right away when the hub has stopped.
func (h *Hub) Register(buildID string, sub Subscriber) {
	if !h.submit(op{kind: opJoin, buildID: buildID, sub: sub}) {
		sub.Close()
	}
}

func (h *Hub) Unregister(buildID string, sub Subscriber) {
	h.submit(op{kind: opLeave, buildID: buildID, sub: sub})
}

// Broadcast sends f to every follower of buildID. Followers that fail are dropped.
func (h *Hub) Broadcast(buildID string, f Frame) {
	h.submit(op{kind: opPublish, buildID: buildID, frame: f})
}

// End sends a final frame to the followers of buildID and closes them.
func (h *Hub) End(buildID string, f Frame) {
	h.submit(op{kind: opEnd, buildID: buildID, frame: f})
}

// Subscribers reports how many followers a build has.
func (h *Hub) Subscribers(buildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[buildID])
}

// Stop closes every follower and ends the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
