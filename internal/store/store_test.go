package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

func TestTimeFormatOrdering(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2024, 1, 15, 10, 30, 0, 500e6, time.UTC))
	if !(a < b) {
		t.Fatalf("expected %q < %q lexicographically", a, b)
	}
	parsed, err := ParseTime(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := FormatTime(parsed); got != b {
		t.Fatalf("round trip changed timestamp: %q != %q", got, b)
	}
}

func TestStoreMessageDedupe(t *testing.T) {
	s := openTestStore(t)
	m := Message{
		ID:         "m1",
		ChatJID:    "whatsapp:123@g.us",
		SenderName: "alice",
		Content:    "hello",
		Timestamp:  "2024-01-15T10:00:00.000Z",
	}
	if err := s.StoreMessage(m, true); err != nil {
		t.Fatalf("store: %v", err)
	}
	m.Content = "changed"
	if err := s.StoreMessage(m, true); err != nil {
		t.Fatalf("duplicate store: %v", err)
	}
	msgs, _, err := s.GetNewMessages([]string{m.ChatJID}, "", "assistant")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Fatalf("duplicate insert overwrote content: %q", msgs[0].Content)
	}
}

func TestStoreMessageDropsContentForUnregistered(t *testing.T) {
	s := openTestStore(t)
	m := Message{ID: "m1", ChatJID: "whatsapp:999@g.us", SenderName: "bob", Content: "secret", Timestamp: "2024-01-15T10:00:00.000Z"}
	if err := s.StoreMessage(m, false); err != nil {
		t.Fatalf("store: %v", err)
	}
	msgs, _, err := s.GetNewMessages([]string{m.ChatJID}, "", "assistant")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "" {
		t.Fatalf("expected one empty-content row, got %+v", msgs)
	}
}

func TestGetNewMessages(t *testing.T) {
	s := openTestStore(t)
	jid := "whatsapp:123@g.us"
	seed := []Message{
		{ID: "m1", ChatJID: jid, SenderName: "alice", Content: "one", Timestamp: "2024-01-15T10:00:00.000Z"},
		{ID: "m2", ChatJID: jid, SenderName: "assistant", Content: "reply", Timestamp: "2024-01-15T10:00:01.000Z"},
		{ID: "m3", ChatJID: jid, SenderName: "bob", Content: "two", Timestamp: "2024-01-15T10:00:02.000Z"},
		{ID: "m4", ChatJID: "discord:555", SenderName: "carol", Content: "other chat", Timestamp: "2024-01-15T10:00:03.000Z"},
	}
	for _, m := range seed {
		if err := s.StoreMessage(m, true); err != nil {
			t.Fatalf("seed %s: %v", m.ID, err)
		}
	}

	t.Run("filters self and other chats", func(t *testing.T) {
		msgs, watermark, err := s.GetNewMessages([]string{jid}, "2024-01-15T10:00:00.000Z", "assistant")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m3" {
			t.Fatalf("expected only m3, got %+v", msgs)
		}
		if watermark != "2024-01-15T10:00:02.000Z" {
			t.Fatalf("watermark = %q", watermark)
		}
	})

	t.Run("empty result keeps watermark", func(t *testing.T) {
		since := "2024-01-15T10:00:02.000Z"
		msgs, watermark, err := s.GetNewMessages([]string{jid}, since, "assistant")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected no messages, got %+v", msgs)
		}
		if watermark != since {
			t.Fatalf("watermark moved on empty result: %q", watermark)
		}
	})

	t.Run("multiple chats ordered by timestamp", func(t *testing.T) {
		msgs, _, err := s.GetNewMessages([]string{jid, "discord:555"}, "", "assistant")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var prev string
		for _, m := range msgs {
			if m.Timestamp < prev {
				t.Fatalf("out of order: %q after %q", m.Timestamp, prev)
			}
			prev = m.Timestamp
		}
	})
}

func TestUpsertChat(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertChat("whatsapp:1@g.us", "Family", "2024-01-15T10:00:00.000Z"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A later empty name must not clobber the stored one, and an older
	// timestamp must not roll the chat back.
	if err := s.UpsertChat("whatsapp:1@g.us", "", "2024-01-15T09:00:00.000Z"); err != nil {
		t.Fatalf("update: %v", err)
	}
	chats, err := s.ListChats()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}
	if chats[0].Name != "Family" || chats[0].LastMessageTime != "2024-01-15T10:00:00.000Z" {
		t.Fatalf("unexpected chat row: %+v", chats[0])
	}
}

func TestRegisterGroup(t *testing.T) {
	s := openTestStore(t)
	g := RegisteredGroup{
		JID:             "whatsapp:123@g.us",
		Name:            "Family",
		Folder:          "family",
		TriggerPattern:  `(?i)^@bot\b`,
		RequiresTrigger: true,
		AddedAt:         "2024-01-15T10:00:00.000Z",
		Config: &GroupConfig{
			Engine: "docker",
			Mounts: []MountSpec{{HostPath: "/srv/share", GuestPath: "/workspace/extra/share", ReadOnly: true}},
		},
	}
	if err := s.RegisterGroup(g); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterGroup(g); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("duplicate register: expected ErrGroupExists, got %v", err)
	}

	got, err := s.GroupByFolder("family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("group not found")
	}
	if got.Config == nil || got.Config.Engine != "docker" || len(got.Config.Mounts) != 1 {
		t.Fatalf("config did not round-trip: %+v", got.Config)
	}
	if !got.Config.Mounts[0].ReadOnly {
		t.Fatal("mount read-only flag lost")
	}

	missing, err := s.GroupByFolder("nope")
	if err != nil {
		t.Fatalf("missing lookup: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown folder, got %+v", missing)
	}
}

func TestUpdateGroupConfig(t *testing.T) {
	s := openTestStore(t)
	g := RegisteredGroup{JID: "whatsapp:1@g.us", Name: "Dev", Folder: "dev", AddedAt: "2024-01-15T10:00:00.000Z"}
	if err := s.RegisterGroup(g); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.UpdateGroupConfig("dev", &GroupConfig{Engine: "tart", CPUs: 4, MemoryMB: 4096}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GroupByFolder("dev")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config == nil || got.Config.Engine != "tart" || got.Config.CPUs != 4 {
		t.Fatalf("config not updated: %+v", got.Config)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	task := ScheduledTask{
		ID:            "t1",
		GroupFolder:   "family",
		ChatJID:       "whatsapp:123@g.us",
		Prompt:        "post the weather",
		ScheduleType:  ScheduleCron,
		ScheduleValue: "0 9 * * 1",
		ContextMode:   ContextGroup,
		NextRun:       "2024-02-05T09:00:00.000Z",
		Status:        TaskActive,
		CreatedAt:     "2024-01-15T10:00:00.000Z",
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("due query", func(t *testing.T) {
		due, err := s.DueTasks("2024-02-05T09:00:00.000Z")
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 1 || due[0].ID != "t1" {
			t.Fatalf("expected t1 due, got %+v", due)
		}
		due, err = s.DueTasks("2024-02-05T08:59:59.999Z")
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("task due early: %+v", due)
		}
	})

	t.Run("paused tasks are never due", func(t *testing.T) {
		if err := s.SetTaskStatus("t1", TaskPaused); err != nil {
			t.Fatalf("pause: %v", err)
		}
		due, err := s.DueTasks("2099-01-01T00:00:00.000Z")
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("paused task returned as due: %+v", due)
		}
		if err := s.SetTaskStatus("t1", TaskActive); err != nil {
			t.Fatalf("resume: %v", err)
		}
	})

	t.Run("update after run", func(t *testing.T) {
		err := s.UpdateTaskAfterRun("t1", "2024-02-12T09:00:00.000Z", "2024-02-05T09:00:01.000Z", "ok", TaskActive)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.GetTask("t1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.NextRun != "2024-02-12T09:00:00.000Z" || got.LastResult != "ok" {
			t.Fatalf("run outcome not recorded: %+v", got)
		}
	})

	t.Run("run logs", func(t *testing.T) {
		err := s.LogTaskRun(TaskRunLog{TaskID: "t1", RunAt: "2024-02-05T09:00:01.000Z", DurationMS: 1200, Status: "success", Result: "done"})
		if err != nil {
			t.Fatalf("log: %v", err)
		}
		logs, err := s.TaskRuns("t1", 10)
		if err != nil {
			t.Fatalf("runs: %v", err)
		}
		if len(logs) != 1 || logs[0].DurationMS != 1200 {
			t.Fatalf("unexpected logs: %+v", logs)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteTask("t1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetTask("t1"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected ErrTaskNotFound, got %v", err)
		}
		if err := s.UpdateTaskAfterRun("t1", "", "", "", TaskActive); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("update after delete: expected ErrTaskNotFound, got %v", err)
		}
		// Run logs survive the task.
		logs, err := s.TaskRuns("t1", 10)
		if err != nil {
			t.Fatalf("runs: %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("run logs lost on delete: %+v", logs)
		}
	})
}

func TestPauseTaskWithError(t *testing.T) {
	s := openTestStore(t)
	task := ScheduledTask{
		ID: "bad", GroupFolder: "dev", ChatJID: "discord:1", Prompt: "x",
		ScheduleType: ScheduleCron, ScheduleValue: "not a cron", ContextMode: ContextGroup,
		NextRun: "2024-01-15T10:00:00.000Z", Status: TaskActive, CreatedAt: "2024-01-15T10:00:00.000Z",
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PauseTaskWithError("bad", "invalid cron expression"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := s.GetTask("bad")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskPaused || got.NextRun != "" || got.LastResult != "invalid cron expression" {
		t.Fatalf("task not parked: %+v", got)
	}
}

func TestRouterState(t *testing.T) {
	s := openTestStore(t)

	t.Run("watermark", func(t *testing.T) {
		ts, err := s.LastTimestamp()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ts != "" {
			t.Fatalf("expected empty initial watermark, got %q", ts)
		}
		if err := s.SetLastTimestamp("2024-01-15T10:00:00.000Z"); err != nil {
			t.Fatalf("set: %v", err)
		}
		ts, err = s.LastTimestamp()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ts != "2024-01-15T10:00:00.000Z" {
			t.Fatalf("watermark = %q", ts)
		}
	})

	t.Run("agent cursors", func(t *testing.T) {
		if err := s.SetAgentTimestamp("family", "2024-01-15T10:00:05.000Z"); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.SetAgentTimestamp("dev", "2024-01-15T10:00:07.000Z"); err != nil {
			t.Fatalf("set: %v", err)
		}
		cursors, err := s.AgentTimestamps()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cursors["family"] != "2024-01-15T10:00:05.000Z" || cursors["dev"] != "2024-01-15T10:00:07.000Z" {
			t.Fatalf("cursors = %+v", cursors)
		}
	})

	t.Run("corrupt cursor blob resets", func(t *testing.T) {
		if err := s.setStateValue(stateAgentTimestamps, "{not json"); err != nil {
			t.Fatalf("seed corrupt: %v", err)
		}
		cursors, err := s.AgentTimestamps()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(cursors) != 0 {
			t.Fatalf("expected reset to empty, got %+v", cursors)
		}
	})
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	if id, err := s.GetSession("family"); err != nil || id != "" {
		t.Fatalf("initial session: id=%q err=%v", id, err)
	}
	if err := s.SetSession("family", "sess-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSession("family", "sess-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	id, err := s.GetSession("family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if id != "sess-2" {
		t.Fatalf("session = %q", id)
	}
	all, err := s.AllSessions()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all["family"] != "sess-2" {
		t.Fatalf("sessions = %+v", all)
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	if v, err := s.Setting(SettingContainerRuntime); err != nil || v != "" {
		t.Fatalf("unset setting: v=%q err=%v", v, err)
	}
	if err := s.SetSetting(SettingContainerRuntime, "tart"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSetting(SettingContainerRuntime, "docker"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.Setting(SettingContainerRuntime)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "docker" {
		t.Fatalf("setting = %q", v)
	}
}
