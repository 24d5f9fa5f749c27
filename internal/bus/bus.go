package bus

import "context"

// Handler processes one delivered message. It runs on the subscriber's delivery loop, so
// long work must be handed off to another goroutine.
type Handler func(ctx context.Context, msg Message)

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Bus publishes and delivers typed messages.
type Bus interface {
	Publisher
	// Subscribe delivers every message to handle until ctx is cancelled.
	Subscribe(ctx context.Context, handle Handler) error
	Close() error
}

// patterns lists the channel globs a subscriber listens on.
var patterns = []string{
	ChannelBuildQueued,
	ChannelBuilderScale,
	"builder:*:assign",
	"builder:*:complete",
}
