package bus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

func TestEncodeDecodeKeepsBuilderIDInChannel(t *testing.T) {
	assignment := BuildAssignment{
		BuilderID: "node-1",
		BuildID:   "build-1",
		ProjectID: "project-1",
		BuildConfig: domain.BuildConfig{
			Platforms: []string{"linux/arm64"},
			Tags:      []string{"app:latest"},
			BuildArgs: map[string]string{"A": "1"},
			Push:      true,
		},
		Secrets: map[string]string{"TOKEN": "s3cr3t"},
	}

	channel, payload, err := Encode(assignment)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if channel != "builder:node-1:assign" {
		t.Fatalf("unexpected channel %q", channel)
	}

	got, err := Decode(channel, payload)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !reflect.DeepEqual(got, assignment) {
		t.Fatalf("want %+v, got %+v", assignment, got)
	}
}

func TestDecodeCompletionWithEmptyPayload(t *testing.T) {
	got, err := Decode("builder:abc-123:complete", nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	done, ok := got.(BuildCompleted)
	if !ok || done.BuilderID != "abc-123" {
		t.Fatalf("unexpected message %#v", got)
	}
}

func TestDecodeFixedChannels(t *testing.T) {
	msg, err := Decode(ChannelBuildQueued, []byte(`{"buildId":"b","projectId":"p"}`))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if q, ok := msg.(BuildQueued); !ok || q.BuildID != "b" || q.ProjectID != "p" {
		t.Fatalf("unexpected message %#v", msg)
	}

	msg, err = Decode(ChannelBuilderScale, []byte(`{"action":"up","builderId":"n","architecture":"arm64","cacheId":"c"}`))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	scale, ok := msg.(BuilderScale)
	if !ok || scale.Action != ScaleUp || scale.Architecture != domain.ArchARM64 || scale.CacheID != "c" {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestDecodeRejectsUnknownChannels(t *testing.T) {
	for _, channel := range []string{"builds", "builder:x:other", "builder::assign", "cache:stats:1"} {
		if _, err := Decode(channel, []byte(`{}`)); !errors.Is(err, ErrUnknownChannel) {
			t.Fatalf("%s: expected ErrUnknownChannel, got %v", channel, err)
		}
	}
}

func TestEncodeRequiresBuilderID(t *testing.T) {
	if _, _, err := Encode(BuildAssignment{BuildID: "b"}); err == nil {
		t.Fatalf("expected error for assignment without builder")
	}
	if _, _, err := Encode(BuildCompleted{}); err == nil {
		t.Fatalf("expected error for completion without builder")
	}
}
