package executor

import (
	"context"
	"strings"
	"sync"
)

// Fake is a scripted Runner. Calls block on Gate when it is non-nil.
type Fake struct {
	mu     sync.Mutex
	Output string
	Err    error
	Gate   chan struct{}
	calls  []Invocation
}

var _ Runner = (*Fake)(nil)

// Run records inv, waits for Gate or ctx, then replays Output line by line.
func (f *Fake) Run(ctx context.Context, inv Invocation, onLine LineFunc) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	gate, output, err := f.Gate, f.Output, f.Err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if onLine != nil {
		for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
			if line != "" {
				onLine(line)
			}
		}
	}
	return output, err
}

// Calls returns the recorded invocations.
func (f *Fake) Calls() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.calls...)
}
