package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agent-bridge/internal/conversation"
	"agent-bridge/internal/core"
	"agent-bridge/internal/stream"
)

type recorder struct {
	mu  sync.Mutex
	out []core.Envelope
}

func (r *recorder) Dispatch(msg core.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, msg)
	return 1
}

func (r *recorder) ofType(sessionID, typ string) []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var got []core.Envelope
	for _, msg := range r.out {
		if msg.Type == typ && msg.SessionID == sessionID {
			got = append(got, msg)
		}
	}
	return got
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, binary string) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewManager(Config{
		BinaryOverride: binary,
		HostEnv: func() map[string]string {
			return map[string]string{"PATH": os.Getenv("PATH"), "SECRET": "nope"}
		},
		StopGrace: 200 * time.Millisecond,
		Out:       rec,
	})
	return m, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

const streamingAgent = `printf '%s\n' "$@" > "$ARGS_FILE"
cat > "$STDIN_FILE"
env > "$ENV_FILE"
echo '{"type":"system","subtype":"init","session_id":"abc"}'
echo 'not json at all'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
printf '{"type":"result","session_id":"abc","result":"done"}'
`

func TestSendStreamsEventsAndSetsContinuationToken(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, writeScript(t, dir, streamingAgent))
	argsFile := filepath.Join(dir, "args")
	err := m.Start("s1", StartRequest{
		Cwd:   dir,
		Model: "sonnet",
		Env: map[string]string{
			"ARGS_FILE":  argsFile,
			"STDIN_FILE": filepath.Join(dir, "stdin"),
			"ENV_FILE":   filepath.Join(dir, "env"),
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Send(context.Background(), "s1", SendRequest{Message: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "stdin")); got != "hello" {
		t.Fatalf("stdin = %q", got)
	}
	args := readFile(t, argsFile)
	if !strings.HasPrefix(args, "--print\n--output-format\nstream-json\n--verbose\n--model\nsonnet\n") {
		t.Fatalf("unexpected args: %q", args)
	}
	if strings.Contains(args, "--resume") {
		t.Fatalf("first send must not resume: %q", args)
	}
	env := readFile(t, filepath.Join(dir, "env"))
	if strings.Contains(env, "SECRET=") {
		t.Fatalf("host env leaked past allowlist: %q", env)
	}

	if tok, _ := m.Store().ContinuationToken("s1"); tok != "abc" {
		t.Fatalf("token = %q, want abc", tok)
	}
	entries, _ := m.Transcript("s1")
	if len(entries) != 2 || entries[0].Role != stream.RoleUser || entries[1].Role != stream.RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", entries)
	}
	if stream.Text(entries[1].Content) != "ok" {
		t.Fatalf("assistant text = %q", stream.Text(entries[1].Content))
	}

	data := rec.ofType("s1", core.EventData)
	if len(data) != 2 {
		t.Fatalf("expected passthrough and message data events, got %d", len(data))
	}
	var passthrough dataPayload
	_ = json.Unmarshal(data[0].Data, &passthrough)
	if passthrough.Kind != "passthrough" || passthrough.Raw != "not json at all" {
		t.Fatalf("unexpected passthrough: %+v", passthrough)
	}
	if n := len(rec.ofType("s1", core.EventResult)); n != 1 {
		t.Fatalf("expected the unterminated result line to be flushed, got %d results", n)
	}
	if n := len(rec.ofType("s1", core.EventError)); n != 0 {
		t.Fatalf("unexpected error events: %d", n)
	}

	if err := m.Send(context.Background(), "s1", SendRequest{Message: "again"}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if args := readFile(t, argsFile); !strings.HasSuffix(args, "--resume\nabc\n") {
		t.Fatalf("second send should resume: %q", args)
	}
}

func TestStartEmitsInitializingThenReady(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, filepath.Join(dir, "missing"))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sys := rec.ofType("s1", core.EventSystem)
	if len(sys) != 2 {
		t.Fatalf("expected 2 system events, got %d", len(sys))
	}
	for i, want := range []string{"initializing", "ready"} {
		var p statusPayload
		_ = json.Unmarshal(sys[i].Data, &p)
		if p.Status != want {
			t.Fatalf("event %d status = %q, want %q", i, p.Status, want)
		}
	}
	if err := m.Start("s1", StartRequest{Cwd: dir}); !errors.Is(err, conversation.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestStartValidatesInput(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, "")
	if err := m.Start("s1", StartRequest{Cwd: filepath.Join(dir, "nope")}); err == nil {
		t.Fatal("expected missing cwd to be rejected")
	}
	if err := m.Start("s2", StartRequest{Cwd: dir, ResumeID: "bad id"}); !errors.Is(err, ErrInvalidResumeID) {
		t.Fatalf("expected ErrInvalidResumeID, got %v", err)
	}
	if len(rec.ofType("s2", core.EventError)) != 1 {
		t.Fatal("expected an error event for the rejected resume id")
	}
	if m.Store().Exists("s1") || m.Store().Exists("s2") {
		t.Fatal("rejected starts must not create sessions")
	}

	other := t.TempDir()
	m.cfg.AllowRoots = []string{dir}
	if err := m.Start("s3", StartRequest{Cwd: other}); err == nil {
		t.Fatal("expected cwd outside allow roots to be rejected")
	}
}

func TestStartWithResumeIDResumesFirstSend(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, `printf '%s\n' "$@" > "$ARGS_FILE"; cat >/dev/null`))
	argsFile := filepath.Join(dir, "args")
	if err := m.Start("s1", StartRequest{Cwd: dir, ResumeID: "prev", Env: map[string]string{"ARGS_FILE": argsFile}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Send(context.Background(), "s1", SendRequest{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if args := readFile(t, argsFile); !strings.HasSuffix(args, "--resume\nprev\n") {
		t.Fatalf("expected resume flag, got %q", args)
	}
}

func TestSendWithoutTextUsesFallback(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, `cat > "$STDIN_FILE"`))
	stdinFile := filepath.Join(dir, "stdin")
	if err := m.Start("s1", StartRequest{Cwd: dir, Env: map[string]string{"STDIN_FILE": stdinFile}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Send(context.Background(), "s1", SendRequest{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := readFile(t, stdinFile); got != FallbackText {
		t.Fatalf("stdin = %q, want fallback", got)
	}
}

func TestSendsRunOneAtATimeInArrivalOrder(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, `msg=$(cat)
echo "start $msg" >> "$LOG"
sleep 0.1
echo "end $msg" >> "$LOG"
`))
	logFile := filepath.Join(dir, "log")
	if err := m.Start("s1", StartRequest{Cwd: dir, Env: map[string]string{"LOG": logFile}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	var pending []*conversation.Pending
	for _, msg := range []string{"1", "2", "3"} {
		p, err := m.submit("s1", SendRequest{Message: msg})
		if err != nil {
			t.Fatalf("submit %s: %v", msg, err)
		}
		pending = append(pending, p)
	}
	for i, p := range pending {
		select {
		case err := <-p.Done:
			if err != nil {
				t.Fatalf("send %d: %v", i+1, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("send %d never completed", i+1)
		}
	}

	want := "start 1\nend 1\nstart 2\nend 2\nstart 3\nend 3\n"
	if got := readFile(t, logFile); got != want {
		t.Fatalf("invocations overlapped or reordered:\n%s", got)
	}
	snap, _ := m.Store().Snapshot("s1")
	if snap.Status != conversation.StatusReady || snap.Backlog != 0 {
		t.Fatalf("session should be idle after drain: %+v", snap)
	}
}

func TestSpawnFailureKeepsSessionUsable(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, filepath.Join(dir, "missing-agent"))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.Send(context.Background(), "s1", SendRequest{Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "spawn agent") {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if n := len(rec.ofType("s1", core.EventError)); n != 1 {
		t.Fatalf("expected exactly one error event, got %d", n)
	}
	if len(rec.ofType("s1", core.EventData)) != 0 {
		t.Fatal("spawn failure must not forward data events")
	}
	if err := m.Send(context.Background(), "s1", SendRequest{Message: "again"}); err == nil {
		t.Fatal("expected second spawn to fail the same way")
	}
	snap, err := m.Store().Snapshot("s1")
	if err != nil || snap.Status != conversation.StatusReady {
		t.Fatalf("session should remain ready: %+v %v", snap, err)
	}
}

func TestNonZeroExitRejectsAfterForwardingPartialOutput(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, writeScript(t, dir, `cat >/dev/null
echo '{"type":"assistant","text":"partial"}'
echo 'boom ANTHROPIC_API_KEY=sk-secret' >&2
exit 3
`))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := m.Send(context.Background(), "s1", SendRequest{Message: "hi"})
	var xe *ExitError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if xe.Code != 3 || !strings.Contains(xe.Error(), "3") {
		t.Fatalf("unexpected exit error: %+v", xe)
	}
	if !strings.Contains(xe.Stderr, "boom") {
		t.Fatalf("stderr tail not captured: %q", xe.Stderr)
	}
	if len(rec.ofType("s1", core.EventData)) != 1 {
		t.Fatal("partial output should already be dispatched")
	}
	errs := rec.ofType("s1", core.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	body := string(errs[0].Data)
	if strings.Contains(body, "sk-secret") || strings.Contains(body, "boom") || strings.Contains(body, "stderr") {
		t.Fatalf("stderr must not reach surfaces: %s", body)
	}
	var p errorPayload
	if err := json.Unmarshal(errs[0].Data, &p); err != nil || p.Message != xe.Error() {
		t.Fatalf("error event should carry only the exit message: %s", body)
	}
}

func TestStopTerminatesActiveAndAbandonsBacklog(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, writeScript(t, dir, "cat >/dev/null\nexec sleep 30\n"))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := m.submit("s1", SendRequest{Message: "long"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := m.submit("s1", SendRequest{Message: "queued"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "active process", func() bool {
		active, _ := m.Store().Active("s1")
		return active != nil
	})

	if err := m.Stop("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for name, p := range map[string]*conversation.Pending{"active": first, "queued": second} {
		select {
		case err := <-p.Done:
			if !errors.Is(err, ErrSessionStopped) {
				t.Fatalf("%s send: expected ErrSessionStopped, got %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s send did not resolve after stop", name)
		}
	}
	if len(rec.ofType("s1", core.EventError)) != 0 {
		t.Fatal("a stopped send must not emit an error event")
	}
	if err := m.Send(context.Background(), "s1", SendRequest{}); !errors.Is(err, conversation.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after stop, got %v", err)
	}
	if err := m.Stop("s1"); !errors.Is(err, conversation.ErrSessionNotFound) {
		t.Fatalf("second stop: expected ErrSessionNotFound, got %v", err)
	}
}

func TestStoppedSendCannotDrainRestartedSession(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, `trap '' TERM
msg=$(cat)
echo "start $msg" >> "$LOG"
sleep 0.5
echo "{\"type\":\"assistant\",\"text\":\"from $msg\"}"
echo "end $msg" >> "$LOG"
`))
	// Long enough that the first agent outlives its session and exits on its own.
	m.cfg.StopGrace = 5 * time.Second
	logFile := filepath.Join(dir, "log")
	req := StartRequest{Cwd: dir, Env: map[string]string{"LOG": logFile}}
	if err := m.Start("s1", req); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, err := m.submit("s1", SendRequest{Message: "A"})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	waitFor(t, "A to start", func() bool {
		b, _ := os.ReadFile(logFile)
		return strings.Contains(string(b), "start A")
	})
	if err := m.Stop("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Start("s1", req); err != nil {
		t.Fatalf("restart: %v", err)
	}
	var pending []*conversation.Pending
	for _, msg := range []string{"B", "C"} {
		p, err := m.submit("s1", SendRequest{Message: msg})
		if err != nil {
			t.Fatalf("submit %s: %v", msg, err)
		}
		pending = append(pending, p)
	}

	select {
	case err := <-a.Done:
		if !errors.Is(err, ErrSessionStopped) {
			t.Fatalf("A: expected ErrSessionStopped, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("A never resolved")
	}
	for i, p := range pending {
		select {
		case err := <-p.Done:
			if err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("send %d never completed", i)
		}
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(readFile(t, logFile)), "\n") {
		if !strings.HasSuffix(line, " A") {
			lines = append(lines, line)
		}
	}
	if got := strings.Join(lines, ","); got != "start B,end B,start C,end C" {
		t.Fatalf("restarted session ran overlapping sends: %s\nfull log:\n%s", got, readFile(t, logFile))
	}
	entries, _ := m.Transcript("s1")
	var texts []string
	for _, e := range entries {
		texts = append(texts, stream.Text(e.Content))
	}
	if got := strings.Join(texts, ","); got != "B,from B,C,from C" {
		t.Fatalf("restarted transcript polluted by the stopped send: %s", got)
	}
}

func TestStartStoresResolvedCwd(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval temp dir: %v", err)
	}
	real := filepath.Join(root, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	m, _ := newTestManager(t, writeScript(t, root, `cat >/dev/null; pwd -P > "$PWD_FILE"`))
	pwdFile := filepath.Join(root, "pwd")
	if err := m.Start("s1", StartRequest{Cwd: link, Env: map[string]string{"PWD_FILE": pwdFile}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap, _ := m.Store().Snapshot("s1"); snap.Cwd != real {
		t.Fatalf("cwd = %q, want resolved %q", snap.Cwd, real)
	}
	if err := m.Send(context.Background(), "s1", SendRequest{Message: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := strings.TrimSpace(readFile(t, pwdFile)); got != real {
		t.Fatalf("agent ran in %q, want %q", got, real)
	}

	t.Chdir(root)
	if err := m.Start("s2", StartRequest{Cwd: "real"}); err != nil {
		t.Fatalf("start with relative cwd: %v", err)
	}
	if snap, _ := m.Store().Snapshot("s2"); snap.Cwd != real {
		t.Fatalf("relative cwd stored as %q, want %q", snap.Cwd, real)
	}
}

func TestCloseWaitsForInFlightSends(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, "cat >/dev/null\nexec sleep 30\n"))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := m.submit("s1", SendRequest{Message: "long"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "active process", func() bool {
		active, _ := m.Store().Active("s1")
		return active != nil
	})

	m.Close()
	select {
	case err := <-p.Done:
		if !errors.Is(err, ErrSessionStopped) {
			t.Fatalf("expected ErrSessionStopped, got %v", err)
		}
	default:
		t.Fatal("Close returned before the active send resolved")
	}
	if err := m.Start("s2", StartRequest{Cwd: dir}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("start after close: expected ErrManagerClosed, got %v", err)
	}
	if err := m.Send(context.Background(), "s1", SendRequest{}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("send after close: expected ErrManagerClosed, got %v", err)
	}
}

func TestSendContextCancelStopsWaitingOnly(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, "cat >/dev/null\nsleep 0.3\n"))
	if err := m.Start("s1", StartRequest{Cwd: dir}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Send(ctx, "s1", SendRequest{Message: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	waitFor(t, "send to finish", func() bool {
		snap, _ := m.Store().Snapshot("s1")
		return snap.Status == conversation.StatusReady
	})
}

func TestStartWithInitialMessage(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, writeScript(t, dir, `cat >/dev/null
echo '{"type":"assistant","text":"welcome"}'
`))
	err := m.Start("s1", StartRequest{Cwd: dir, InitialMessage: &SendRequest{Message: "hi"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "assistant reply", func() bool {
		entries, _ := m.Transcript("s1")
		return len(entries) == 2 && stream.Text(entries[1].Content) == "welcome"
	})
}

func TestTerminalForwardsOutputAndExit(t *testing.T) {
	dir := t.TempDir()
	m, rec := newTestManager(t, writeScript(t, dir, "echo term-ok\n"))
	if err := m.OpenTerminal("t1", TerminalRequest{Cwd: dir, Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("open terminal: %v", err)
	}
	waitFor(t, "terminal exit", func() bool {
		return len(rec.ofType("t1", core.EventTerminalExit)) == 1
	})

	var out strings.Builder
	for _, msg := range rec.ofType("t1", core.EventTerminal) {
		b, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		out.Write(b)
	}
	if !strings.Contains(out.String(), "term-ok") {
		t.Fatalf("terminal output missing: %q", out.String())
	}
	if err := m.WriteTerminal("t1", []byte("x")); !errors.Is(err, ErrTerminalNotFound) {
		t.Fatalf("expected ErrTerminalNotFound after exit, got %v", err)
	}
}
