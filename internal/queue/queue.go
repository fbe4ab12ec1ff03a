// Package queue serializes agent runs per workspace: at most one child
// process per folder, a coalesced work-pending signal, discrete FIFO jobs
// for the scheduler, and mid-run stdin injection into live processes.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/sandbox"
)

// Job is one unit of work executed under a folder's serialization.
type Job func(ctx context.Context)

// CheckFunc services a coalesced work-pending signal for a folder. It is
// invoked at most once per signal batch; the folder's messages are read
// from the store inside.
type CheckFunc func(ctx context.Context, folder string)

type groupState struct {
	running bool
	pending bool
	jobs    []Job

	proc  *sandbox.Proc
	label string
}

// Queue is the per-folder executor.
type Queue struct {
	check CheckFunc

	mu        sync.Mutex
	groups    map[string]*groupState
	accepting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a queue; check services coalesced signals.
func New(check CheckFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		check:     check,
		groups:    make(map[string]*groupState),
		accepting: true,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// EnqueueCheck marks work pending for the folder. Signals between the start
// of one run and the start of the next coalesce into exactly one run.
func (q *Queue) EnqueueCheck(folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.accepting {
		return
	}
	g := q.group(folder)
	g.pending = true
	q.kick(folder, g)
}

// Enqueue appends a discrete FIFO job for the folder. Used by the scheduler
// so task runs serialize with user conversations.
func (q *Queue) Enqueue(folder string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.accepting {
		return
	}
	g := q.group(folder)
	g.jobs = append(g.jobs, job)
	q.kick(folder, g)
}

// RegisterProcess publishes the live child for a folder so SendStdin and
// CloseStdin can reach it. Cleared automatically when the run finishes.
func (q *Queue) RegisterProcess(folder string, proc *sandbox.Proc, label string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.group(folder)
	g.proc = proc
	g.label = label
}

// SendStdin writes into the folder's live process if its stdin is still
// open. Returns false when there is no live process to pipe into, in which
// case the caller should fall back to EnqueueCheck.
func (q *Queue) SendStdin(folder, text string) bool {
	q.mu.Lock()
	g, ok := q.groups[folder]
	var proc *sandbox.Proc
	if ok {
		proc = g.proc
	}
	q.mu.Unlock()

	if proc == nil || !proc.StdinOpen() {
		return false
	}
	if err := proc.WriteStdin([]byte(text + "\n")); err != nil {
		slog.Warn("stdin injection failed", "folder", folder, "error", err)
		return false
	}
	return true
}

// CloseStdin half-closes the folder's live process stdin, if any.
func (q *Queue) CloseStdin(folder string) {
	q.mu.Lock()
	g, ok := q.groups[folder]
	var proc *sandbox.Proc
	if ok {
		proc = g.proc
	}
	q.mu.Unlock()
	if proc != nil {
		_ = proc.CloseStdin()
	}
}

// Shutdown stops accepting work, half-closes every live stdin, waits up to
// grace for in-flight runs, then terminates and finally kills stragglers.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.accepting = false
	procs := q.liveProcsLocked()
	q.mu.Unlock()

	for _, p := range procs {
		_ = p.CloseStdin()
	}

	if q.waitWithTimeout(grace) {
		q.cancel()
		return
	}

	slog.Warn("graceful drain incomplete, terminating agents", "grace", grace)
	q.mu.Lock()
	procs = q.liveProcsLocked()
	q.mu.Unlock()
	for _, p := range procs {
		p.Terminate()
	}
	if q.waitWithTimeout(5 * time.Second) {
		q.cancel()
		return
	}

	slog.Warn("killing remaining agents")
	q.mu.Lock()
	procs = q.liveProcsLocked()
	q.mu.Unlock()
	for _, p := range procs {
		p.Kill()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) liveProcsLocked() []*sandbox.Proc {
	var procs []*sandbox.Proc
	for _, g := range q.groups {
		if g.proc != nil {
			procs = append(procs, g.proc)
		}
	}
	return procs
}

func (q *Queue) waitWithTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (q *Queue) group(folder string) *groupState {
	g, ok := q.groups[folder]
	if !ok {
		g = &groupState{}
		q.groups[folder] = g
	}
	return g
}

// kick starts the folder's worker if none is running. Caller holds q.mu.
func (q *Queue) kick(folder string, g *groupState) {
	if g.running {
		return
	}
	g.running = true
	q.wg.Add(1)
	go q.run(folder)
}

// run drains the folder's work: FIFO jobs first, then at most one coalesced
// check per batch, repeating until nothing is left.
func (q *Queue) run(folder string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		g := q.group(folder)
		var job Job
		runCheck := false
		switch {
		case len(g.jobs) > 0:
			job = g.jobs[0]
			g.jobs = g.jobs[1:]
		case g.pending:
			g.pending = false
			runCheck = true
		default:
			g.running = false
			g.proc = nil
			g.label = ""
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if q.ctx.Err() != nil {
			continue // drain remaining work without executing
		}
		if runCheck {
			q.check(q.ctx, folder)
		} else {
			job(q.ctx)
		}

		q.mu.Lock()
		g.proc = nil
		g.label = ""
		q.mu.Unlock()
	}
}
