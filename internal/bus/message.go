// Package bus carries typed messages between the scheduler and builder managers.
// Delivery is fire-and-forget: at most once, with no ordering across channels.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

// Fixed channel names.
const (
	ChannelBuildQueued  = "build:queued"
	ChannelBuilderScale = "builder:scale"
)

// Message is one of BuildQueued, BuilderScale, BuildAssignment or BuildCompleted.
type Message interface {
	Channel() string
	isMessage()
}

// BuildQueued is informational and emitted once per scheduled build.
type BuildQueued struct {
	BuildID   string `json:"buildId"`
	ProjectID string `json:"projectId"`
}

// ScaleAction is the direction of a scale event.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "up"
	ScaleDown ScaleAction = "down"
)

// BuilderScale announces a node being provisioned or removed.
type BuilderScale struct {
	Action         ScaleAction         `json:"action"`
	BuilderID      string              `json:"builderId"`
	ProjectID      string              `json:"projectId,omitempty"`
	Architecture   domain.Architecture `json:"architecture,omitempty"`
	Region         string              `json:"region,omitempty"`
	CacheID        string              `json:"cacheId,omitempty"`
	MaxConcurrency int                 `json:"maxConcurrency,omitempty"`
	Resources      *domain.Resources   `json:"resources,omitempty"`
}

// BuildAssignment hands a build to a specific builder node.
type BuildAssignment struct {
	BuilderID string `json:"-"`
	BuildID   string `json:"buildId"`
	ProjectID string `json:"projectId"`
	domain.BuildConfig
	Secrets map[string]string `json:"secrets,omitempty"`
}

// BuildCompleted releases one slot on a builder node.
type BuildCompleted struct {
	BuilderID string `json:"-"`
	BuildID   string `json:"buildId,omitempty"`
}

func (BuildQueued) Channel() string  { return ChannelBuildQueued }
func (BuilderScale) Channel() string { return ChannelBuilderScale }

func (m BuildAssignment) Channel() string { return AssignChannel(m.BuilderID) }
func (m BuildCompleted) Channel() string  { return CompleteChannel(m.BuilderID) }

func (BuildQueued) isMessage()     {}
func (BuilderScale) isMessage()    {}
func (BuildAssignment) isMessage() {}
func (BuildCompleted) isMessage()  {}

// AssignChannel is the assignment channel of a builder.
func AssignChannel(builderID string) string { return "builder:" + builderID + ":assign" }

// CompleteChannel is the completion channel of a builder.
func CompleteChannel(builderID string) string { return "builder:" + builderID + ":complete" }

// ErrUnknownChannel is returned when a channel name maps to no message type.
var ErrUnknownChannel = errors.New("bus: unknown channel")

// Encode returns the channel and JSON payload for msg.
func Encode(msg Message) (string, []byte, error) {
	if msg == nil {
		return "", nil, errors.New("bus: nil message")
	}
	switch m := msg.(type) {
	case BuildAssignment:
		if m.BuilderID == "" {
			return "", nil, errors.New("bus: assignment without builder id")
		}
	case BuildCompleted:
		if m.BuilderID == "" {
			return "", nil, errors.New("bus: completion without builder id")
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("bus: encode %s: %w", msg.Channel(), err)
	}
	return msg.Channel(), payload, nil
}

// Decode reconstructs a message from its channel name and payload.
func Decode(channel string, payload []byte) (Message, error) {
	switch channel {
	case ChannelBuildQueued:
		var m BuildQueued
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("bus: decode %s: %w", channel, err)
		}
		return m, nil
	case ChannelBuilderScale:
		var m BuilderScale
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("bus: decode %s: %w", channel, err)
		}
		return m, nil
	}
	builderID, kind, ok := splitBuilderChannel(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	switch kind {
	case "assign":
		var m BuildAssignment
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("bus: decode %s: %w", channel, err)
		}
		m.BuilderID = builderID
		return m, nil
	default:
		var m BuildCompleted
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &m); err != nil {
				return nil, fmt.Errorf("bus: decode %s: %w", channel, err)
			}
		}
		m.BuilderID = builderID
		return m, nil
	}
}

// splitBuilderChannel parses builder:<id>:assign and builder:<id>:complete.
func splitBuilderChannel(channel string) (string, string, bool) {
	rest, ok := strings.CutPrefix(channel, "builder:")
	if !ok {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	id, kind := rest[:idx], rest[idx+1:]
	if kind != "assign" && kind != "complete" {
		return "", "", false
	}
	return id, kind, true
}
