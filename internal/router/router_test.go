package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/mounts"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string                      { return "whatsapp" }
func (f *fakeChannel) Connect(ctx context.Context) error { return nil }
func (f *fakeChannel) OnInbound(h channels.InboundHandler) {}
func (f *fakeChannel) Disconnect() error                 { return nil }
func (f *fakeChannel) SyncMetadata(ctx context.Context, force bool) error { return nil }
func (f *fakeChannel) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+text)
	return nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// writeAgentScript creates an executable stand-in for the agent CLI.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

const replyScript = `read line
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"hi there","newSessionId":"S9"}'
echo '---NANOCLAW_OUTPUT_END---'`

const failScript = `read line
exit 1`

// liveScript answers the first prompt, then stays alive appending every
// further stdin line to stdin.log in the workspace until stdin closes.
const liveScript = `read line
printf '%s\n' "$line" > stdin.log
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"on it"}'
echo '---NANOCLAW_OUTPUT_END---'
cat >> stdin.log`

type fixture struct {
	cfg    *config.Config
	st     *store.Store
	fake   *fakeChannel
	router *Router
}

func newFixture(t *testing.T, agentScript string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.EnvFile = filepath.Join(cfg.BaseDir, ".env.local")
	cfg.MainGroupFolder = "main"
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &fakeChannel{}
	mgr := channels.NewManager()
	mgr.Register(fake)

	selector := sandbox.NewSelector(st, []sandbox.Engine{sandbox.NewCLI(agentScript)}, sandbox.EngineCLI, "claude")
	validator, err := mounts.Load(cfg.MountPolicyPath())
	if err != nil {
		t.Fatalf("load mounts: %v", err)
	}

	r := New(cfg, st, mgr, selector, validator)
	return &fixture{cfg: cfg, st: st, fake: fake, router: r}
}

func (fx *fixture) registerGroup(t *testing.T, folder string, requiresTrigger bool, agentScript string) {
	t.Helper()
	err := fx.st.RegisterGroup(store.RegisteredGroup{
		JID:             "whatsapp:" + folder + "@g.us",
		Name:            folder,
		Folder:          folder,
		RequiresTrigger: requiresTrigger,
		Config:          &store.GroupConfig{Engine: sandbox.EngineCLI, AgentCLI: agentScript},
		AddedAt:         "2024-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
	if err := fx.router.ReloadGroups(); err != nil {
		t.Fatalf("reload groups: %v", err)
	}
}

func (fx *fixture) seedMessage(t *testing.T, folder, content, ts string) {
	t.Helper()
	err := fx.st.StoreMessage(store.Message{
		ChatJID:    "whatsapp:" + folder + "@g.us",
		ID:         "m-" + ts,
		SenderID:   "user1",
		SenderName: "Alice",
		Content:    content,
		Timestamp:  ts,
	}, true)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestInboundContentKeptOnlyForRegistered(t *testing.T) {
	fx := newFixture(t, writeAgentScript(t, replyScript))
	fx.registerGroup(t, "family", false, writeAgentScript(t, replyScript))

	fx.router.handleInbound(channels.InboundMessage{
		ID: "1", ChatJID: "whatsapp:family@g.us", SenderID: "u", SenderName: "Alice",
		Content: "hello", Timestamp: "2024-01-02T00:00:00.000Z",
	})
	fx.router.handleInbound(channels.InboundMessage{
		ID: "2", ChatJID: "whatsapp:stranger@g.us", SenderID: "u", SenderName: "Bob",
		Content: "secret", Timestamp: "2024-01-02T00:00:01.000Z",
	})

	msgs, err := fx.st.GetMessagesSince("whatsapp:family@g.us", "", "Andy")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("registered chat messages: %+v err=%v", msgs, err)
	}
	msgs, err = fx.st.GetMessagesSince("whatsapp:stranger@g.us", "", "Andy")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "" {
		t.Fatalf("unregistered chat should keep a content-free row: %+v err=%v", msgs, err)
	}
}

func TestPollRunsAgentAndDeliversReply(t *testing.T) {
	script := writeAgentScript(t, replyScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", true, script)

	if err := fx.st.SetLastTimestamp("2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	fx.seedMessage(t, "family", "@Andy what's the plan?", "2024-01-02T10:00:00.000Z")

	fx.router.pollOnce()
	if !waitFor(t, 10*time.Second, func() bool { return len(fx.fake.messages()) > 0 }) {
		t.Fatal("no reply delivered")
	}
	fx.router.Stop(5 * time.Second)

	sent := fx.fake.messages()
	if sent[0] != "family@g.us|hi there" {
		t.Fatalf("reply = %q", sent[0])
	}

	// Watermark advanced past the message.
	ts, err := fx.st.LastTimestamp()
	if err != nil || ts != "2024-01-02T10:00:00.000Z" {
		t.Fatalf("watermark = %q err=%v", ts, err)
	}
	// Agent cursor advanced so the batch is not re-delivered.
	cursors, err := fx.st.AgentTimestamps()
	if err != nil || cursors["family"] != "2024-01-02T10:00:00.000Z" {
		t.Fatalf("cursor = %q err=%v", cursors["family"], err)
	}
	// Session handle persisted from the run's frame.
	if sid, _ := fx.st.GetSession("family"); sid != "S9" {
		t.Fatalf("session = %q", sid)
	}
}

func TestUntriggeredMessagesDoNotRun(t *testing.T) {
	script := writeAgentScript(t, replyScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", true, script)

	if err := fx.st.SetLastTimestamp("2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	fx.seedMessage(t, "family", "just chatting among ourselves", "2024-01-02T10:00:00.000Z")

	fx.router.pollOnce()
	time.Sleep(300 * time.Millisecond)
	fx.router.Stop(time.Second)

	if got := fx.fake.messages(); len(got) != 0 {
		t.Fatalf("agent ran without trigger: %v", got)
	}
	// Watermark still advances; only the agent cursor holds back.
	ts, _ := fx.st.LastTimestamp()
	if ts != "2024-01-02T10:00:00.000Z" {
		t.Fatalf("watermark = %q", ts)
	}
	cursors, _ := fx.st.AgentTimestamps()
	if cursors["family"] != "" {
		t.Fatalf("cursor advanced without a run: %q", cursors["family"])
	}
}

func TestTriggeredRunIncludesCatchUpWindow(t *testing.T) {
	script := writeAgentScript(t, replyScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", true, script)

	if err := fx.st.SetLastTimestamp("2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	// First message lacks the trigger and waits; the second wakes the agent
	// and both must land in the same run's window.
	fx.seedMessage(t, "family", "context everyone should see", "2024-01-02T10:00:00.000Z")
	fx.router.pollOnce()
	time.Sleep(100 * time.Millisecond)

	fx.seedMessage(t, "family", "@Andy summarize please", "2024-01-02T10:05:00.000Z")
	fx.router.pollOnce()
	if !waitFor(t, 10*time.Second, func() bool { return len(fx.fake.messages()) > 0 }) {
		t.Fatal("no reply delivered")
	}
	fx.router.Stop(5 * time.Second)

	cursors, _ := fx.st.AgentTimestamps()
	if cursors["family"] != "2024-01-02T10:05:00.000Z" {
		t.Fatalf("cursor = %q", cursors["family"])
	}
}

func TestLiveRunReceivesCatchUpOnStdin(t *testing.T) {
	script := writeAgentScript(t, liveScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", true, script)

	if err := fx.st.SetLastTimestamp("2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	fx.seedMessage(t, "family", "@Andy start", "2024-01-02T10:00:00.000Z")
	fx.router.pollOnce()
	if !waitFor(t, 10*time.Second, func() bool { return len(fx.fake.messages()) > 0 }) {
		t.Fatal("no reply from first run")
	}

	// Untriggered context arrives while the agent is live; the cursor must
	// not move past it until an agent has seen it.
	fx.seedMessage(t, "family", "important context", "2024-01-02T10:01:00.000Z")
	fx.router.pollOnce()
	cursors, _ := fx.st.AgentTimestamps()
	if cursors["family"] != "2024-01-02T10:00:00.000Z" {
		t.Fatalf("cursor moved on untriggered batch: %q", cursors["family"])
	}

	fx.seedMessage(t, "family", "@Andy go", "2024-01-02T10:02:00.000Z")
	fx.router.pollOnce()

	logPath := filepath.Join(fx.cfg.GroupDir("family"), "stdin.log")
	ok := waitFor(t, 10*time.Second, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "@Andy go")
	})
	fx.router.Stop(10 * time.Second)
	if !ok {
		t.Fatal("injected prompt never reached the live agent")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read stdin log: %v", err)
	}
	if !strings.Contains(string(data), "important context") {
		t.Fatalf("catch-up window missing from injected stdin:\n%s", data)
	}
	cursors, _ = fx.st.AgentTimestamps()
	if cursors["family"] != "2024-01-02T10:02:00.000Z" {
		t.Fatalf("cursor = %q", cursors["family"])
	}
}

func TestFailedRunRollsBackCursor(t *testing.T) {
	script := writeAgentScript(t, failScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", false, script)

	if err := fx.st.SetLastTimestamp("2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	if err := fx.st.SetAgentTimestamp("family", "2024-01-01T00:00:00.000Z"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	fx.seedMessage(t, "family", "hello", "2024-01-02T10:00:00.000Z")

	fx.router.pollOnce()
	// Shutdown waits for the in-flight run, so the rollback has happened by
	// the time it returns.
	fx.router.Stop(10 * time.Second)

	cursors, _ := fx.st.AgentTimestamps()
	if cursors["family"] != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("cursor not rolled back: %q", cursors["family"])
	}
	if got := fx.fake.messages(); len(got) != 0 {
		t.Fatalf("failed run produced replies: %v", got)
	}
}

func TestRunTaskReturnsResultAndSession(t *testing.T) {
	script := writeAgentScript(t, replyScript)
	fx := newFixture(t, script)
	fx.registerGroup(t, "family", false, script)

	result, session, err := fx.router.RunTask(context.Background(), store.ScheduledTask{
		ID: "t1", GroupFolder: "family", ChatJID: "whatsapp:family@g.us",
	}, "Execute scheduled task: check in", "")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if result != "hi there" || session != "S9" {
		t.Fatalf("result=%q session=%q", result, session)
	}
}
