// Package agent supervises agent CLI child processes: feeds the prompt on
// stdin, parses sentinel-framed results from stdout, enforces output caps
// and wall-clock timeouts, and propagates session handles as they appear.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanoclaw/nanoclaw/internal/sandbox"
)

// ErrTimeout marks a run killed by the wall-clock deadline.
var ErrTimeout = errors.New("agent run timed out")

const (
	// DefaultTimeout caps one run's wall-clock time.
	DefaultTimeout = 5 * time.Minute
	// DefaultIdleTimeout is the quiet period after the last frame before
	// stdin is half-closed to let the agent exit.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultMaxOutputBytes caps each of stdout and stderr independently.
	DefaultMaxOutputBytes = 10 << 20

	// killGrace is how long a terminated child gets before the hard kill.
	killGrace = 5 * time.Second
)

// RunOptions parameterizes one supervised run.
type RunOptions struct {
	Prompt        string
	SessionID     string
	Folder        string
	ChatJID       string
	Privileged    bool
	ScheduledTask bool

	Timeout        time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int
}

// stdinPayload is the initial JSON object written to the agent.
type stdinPayload struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId,omitempty"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
}

// Run starts the agent under the given engine and streams frames to onFrame
// until the child exits. onStart receives the live process handle so the
// caller can register it for mid-run stdin injection; it may be nil.
//
// Stdin stays open after the initial payload. It is half-closed when no
// frame has arrived for IdleTimeout, or by the caller through the process
// handle. On deadline expiry the child is terminated then killed, a final
// timeout frame is emitted, and ErrTimeout returned.
func Run(ctx context.Context, engine sandbox.Engine, spec sandbox.RunSpec, opts RunOptions, onStart func(*sandbox.Proc), onFrame func(Frame)) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}

	ctx, span := otel.Tracer("nanoclaw/agent").Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("folder", opts.Folder),
			attribute.String("engine", engine.Name()),
			attribute.Bool("scheduled", opts.ScheduledTask),
		))
	defer span.End()

	proc, err := engine.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("start agent for %s: %w", opts.Folder, err)
	}
	defer proc.Cleanup()

	if onStart != nil {
		onStart(proc)
	}

	payload, err := json.Marshal(stdinPayload{
		Prompt:          opts.Prompt,
		SessionID:       opts.SessionID,
		GroupFolder:     opts.Folder,
		ChatJID:         opts.ChatJID,
		IsMain:          opts.Privileged,
		IsScheduledTask: opts.ScheduledTask,
	})
	if err != nil {
		proc.Kill()
		return fmt.Errorf("encode stdin payload: %w", err)
	}
	if err := proc.WriteStdin(append(payload, '\n')); err != nil {
		proc.Kill()
		return fmt.Errorf("write stdin for %s: %w", opts.Folder, err)
	}

	var (
		lastFrame  atomic.Int64 // unix nano of the most recent frame
		frameCount atomic.Int64
		timedOut   atomic.Bool
		done       = make(chan struct{})
	)

	timer := time.AfterFunc(opts.Timeout, func() {
		timedOut.Store(true)
		slog.Warn("agent run deadline exceeded, terminating", "folder", opts.Folder, "timeout", opts.Timeout)
		proc.Terminate()
		select {
		case <-done:
		case <-time.After(killGrace):
			proc.Kill()
		}
	})
	defer timer.Stop()

	// Idle closer: once output has started, a quiet stretch means the agent
	// is waiting for more input it will never get; half-close stdin so it
	// can exit cleanly.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if frameCount.Load() == 0 {
					continue
				}
				idle := time.Since(time.Unix(0, lastFrame.Load()))
				if idle >= opts.IdleTimeout {
					_ = proc.CloseStdin()
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainCapped(proc.Stderr(), opts.MaxOutputBytes, opts.Folder)
	}()

	parseErr := ParseFrames(proc.Stdout(), opts.MaxOutputBytes, func(f Frame) {
		lastFrame.Store(time.Now().UnixNano())
		frameCount.Add(1)
		onFrame(f)
	})
	wg.Wait()
	waitErr := proc.Wait()
	close(done)

	if timedOut.Load() {
		onFrame(Frame{Status: "error", Error: "timeout"})
		return ErrTimeout
	}
	if parseErr != nil {
		return fmt.Errorf("read agent output for %s: %w", opts.Folder, parseErr)
	}
	if waitErr != nil {
		return fmt.Errorf("agent for %s exited: %w", opts.Folder, waitErr)
	}
	return nil
}
