package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func TestFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 29, 8, 0, 0, 0, time.UTC)

	t.Run("cron", func(t *testing.T) {
		got, err := FirstRun(store.ScheduleCron, "0 9 * * 1", now)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		if got != "2024-01-29T09:00:00.000Z" {
			t.Fatalf("next = %q", got)
		}
	})

	t.Run("interval", func(t *testing.T) {
		got, err := FirstRun(store.ScheduleInterval, "60000", now)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		if got != "2024-01-29T08:01:00.000Z" {
			t.Fatalf("next = %q", got)
		}
	})

	t.Run("once", func(t *testing.T) {
		got, err := FirstRun(store.ScheduleOnce, "2024-02-01T12:00:00.000Z", now)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		if got != "2024-02-01T12:00:00.000Z" {
			t.Fatalf("next = %q", got)
		}
	})

	t.Run("invalid cron", func(t *testing.T) {
		if _, err := FirstRun(store.ScheduleCron, "not a cron", now); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("negative interval", func(t *testing.T) {
		if _, err := FirstRun(store.ScheduleInterval, "-5", now); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestNextAfterCronMonday(t *testing.T) {
	// Fired Monday 2024-01-29 09:00; the next Monday-09:00 tick is Feb 5.
	fired := time.Date(2024, 1, 29, 9, 0, 0, 0, time.UTC)
	next, completed, err := NextAfter(store.ScheduleCron, "0 9 * * 1", fired)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if completed {
		t.Fatal("cron task reported completed")
	}
	if next != "2024-02-05T09:00:00.000Z" {
		t.Fatalf("next = %q", next)
	}
}

func TestNextAfterOnceCompletes(t *testing.T) {
	next, completed, err := NextAfter(store.ScheduleOnce, "whatever", time.Now())
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if !completed || next != "" {
		t.Fatalf("once task not completed: next=%q completed=%v", next, completed)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGroup(t *testing.T, st *store.Store, folder string) {
	t.Helper()
	err := st.RegisterGroup(store.RegisteredGroup{
		JID: "whatsapp:" + folder, Name: folder, Folder: folder,
		AddedAt: "2024-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
}

func seedTask(t *testing.T, st *store.Store, task store.ScheduledTask) {
	t.Helper()
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestSweepRunsDueTask(t *testing.T) {
	st := openTestStore(t)
	seedGroup(t, st, "family")
	seedTask(t, st, store.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "whatsapp:family",
		Prompt: "post the weather", ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * 1",
		ContextMode: store.ContextGroup, NextRun: "2024-01-29T09:00:00.000Z",
		Status: store.TaskActive, CreatedAt: "2024-01-01T00:00:00.000Z",
	})
	if err := st.SetSession("family", "S1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	var mu sync.Mutex
	var gotPrompt, gotSession string
	done := make(chan struct{})
	run := func(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (string, string, error) {
		mu.Lock()
		gotPrompt, gotSession = prompt, sessionID
		mu.Unlock()
		defer close(done)
		return "done", "S2", nil
	}

	q := queue.New(func(ctx context.Context, folder string) {})
	s := New(st, q, run, time.Minute)
	s.now = func() time.Time { return time.Date(2024, 1, 29, 9, 0, 1, 0, time.UTC) }

	s.Sweep(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	q.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if gotPrompt != "Execute scheduled task: post the weather" {
		t.Fatalf("prompt = %q", gotPrompt)
	}
	if gotSession != "S1" {
		t.Fatalf("session = %q (group context should reuse the workspace session)", gotSession)
	}

	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.NextRun != "2024-02-05T09:00:00.000Z" {
		t.Fatalf("next run = %q", task.NextRun)
	}
	if task.LastResult != "done" || task.Status != store.TaskActive {
		t.Fatalf("task after run: %+v", task)
	}
	// Group-context run persisted the new session.
	if sid, _ := st.GetSession("family"); sid != "S2" {
		t.Fatalf("session = %q", sid)
	}

	logs, err := st.TaskRuns("t1", 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("run logs: %+v err=%v", logs, err)
	}
	if logs[0].Status != "success" || logs[0].Result != "done" {
		t.Fatalf("log = %+v", logs[0])
	}
}

func TestSweepSkipsUnregisteredFolder(t *testing.T) {
	st := openTestStore(t)
	seedTask(t, st, store.ScheduledTask{
		ID: "t1", GroupFolder: "ghost", ChatJID: "x", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextIsolated, NextRun: "2024-01-01T00:00:00.000Z",
		Status: store.TaskActive, CreatedAt: "2024-01-01T00:00:00.000Z",
	})

	ran := false
	run := func(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (string, string, error) {
		ran = true
		return "", "", nil
	}
	q := queue.New(func(ctx context.Context, folder string) {})
	s := New(st, q, run, time.Minute)
	s.Sweep(context.Background())
	q.Shutdown(time.Second)
	if ran {
		t.Fatal("task for unregistered folder was executed")
	}
}

func TestOnceTaskCompletes(t *testing.T) {
	st := openTestStore(t)
	seedGroup(t, st, "dev")
	seedTask(t, st, store.ScheduledTask{
		ID: "t1", GroupFolder: "dev", ChatJID: "whatsapp:dev", Prompt: "p",
		ScheduleType: store.ScheduleOnce, ScheduleValue: "2024-01-01T00:00:00.000Z",
		ContextMode: store.ContextIsolated, NextRun: "2024-01-01T00:00:00.000Z",
		Status: store.TaskActive, CreatedAt: "2024-01-01T00:00:00.000Z",
	})

	done := make(chan struct{})
	run := func(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (string, string, error) {
		defer close(done)
		if sessionID != "" {
			t.Errorf("isolated task got session %q", sessionID)
		}
		return "ok", "", nil
	}
	q := queue.New(func(ctx context.Context, folder string) {})
	s := New(st, q, run, time.Minute)
	s.Sweep(context.Background())
	<-done
	q.Shutdown(time.Second)

	task, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.TaskCompleted || task.NextRun != "" {
		t.Fatalf("once task not completed: %+v", task)
	}
}

func TestDeletedMidRunKeepsLog(t *testing.T) {
	st := openTestStore(t)
	seedGroup(t, st, "dev")
	seedTask(t, st, store.ScheduledTask{
		ID: "t1", GroupFolder: "dev", ChatJID: "whatsapp:dev", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1000",
		ContextMode: store.ContextIsolated, NextRun: "2024-01-01T00:00:00.000Z",
		Status: store.TaskActive, CreatedAt: "2024-01-01T00:00:00.000Z",
	})

	done := make(chan struct{})
	run := func(ctx context.Context, task store.ScheduledTask, prompt, sessionID string) (string, string, error) {
		defer close(done)
		// The user cancels while the agent is working.
		if err := st.DeleteTask("t1"); err != nil {
			t.Errorf("delete mid-run: %v", err)
		}
		return "ok", "", nil
	}
	q := queue.New(func(ctx context.Context, folder string) {})
	s := New(st, q, run, time.Minute)
	s.Sweep(context.Background())
	<-done
	q.Shutdown(time.Second)

	if _, err := st.GetTask("t1"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("task resurrected: %v", err)
	}
	logs, err := st.TaskRuns("t1", 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("run log lost: %+v err=%v", logs, err)
	}
}
