package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

// LineFunc receives each output line as it is produced.
type LineFunc func(line string)

// Runner executes an invocation and returns its combined output. Cancelling ctx kills the
// process and everything it spawned.
type Runner interface {
	Run(ctx context.Context, inv Invocation, onLine LineFunc) (string, error)
}

// Exec runs invocations as child processes.
type Exec struct {
	log *slog.Logger
	// WaitDelay bounds how long output pipes may stay open after the process is killed.
	WaitDelay time.Duration
}

var _ Runner = (*Exec)(nil)

// NewExec constructs a process runner.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{log: logger.With("component", "executor"), WaitDelay: 5 * time.Second}
}

// Run starts inv and blocks until it exits. Failures wrap domain.ErrExecution.
func (e *Exec) Run(ctx context.Context, inv Invocation, onLine LineFunc) (string, error) {
	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.WaitDelay = e.WaitDelay
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		output strings.Builder
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			output.WriteString(line)
			output.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
		}
		// Drain whatever remains so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	e.log.Debug("executing build command", "command", inv.String())
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		wg.Wait()
		return "", fmt.Errorf("%w: start %s: %v", domain.ErrExecution, inv.Name, err)
	}
	err := cmd.Wait()
	_ = pw.Close()
	wg.Wait()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output.String(), fmt.Errorf("%w: %w", domain.ErrExecution, ctxErr)
		}
		return output.String(), fmt.Errorf("%w: %s: %v", domain.ErrExecution, inv.Name, err)
	}
	return output.String(), nil
}
