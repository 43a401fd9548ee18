package kernel

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"finger/internal/bus"
	"finger/internal/errors"
)

// writeFakeKernel builds a child that speaks the line protocol: it publishes
// the readiness handshake, answers shutdown, and runs onTurn for every
// user_turn with $id holding the submission id.
func writeFakeKernel(t *testing.T, onTurn string) string {
	t.Helper()
	return writeScript(t, `
printf '%s\n' "{\"id\":\"session\",\"msg\":{\"type\":\"session_configured\",\"session_id\":\"$FINGER_KERNEL_PROVIDER\"}}"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/^{"id":"\([^"]*\)".*/\1/p')
  case "$line" in
  *'"type":"user_turn"'*)
`+onTurn+`
    ;;
  *'"type":"shutdown"'*)
    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"shutdown_complete\"}}"
    exit 0
    ;;
  esac
done
`)
}

const fakeTurnSuccess = `    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_started\",\"model_context_window\":32000}}"
    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"tool_call\",\"seq\":1,\"call_id\":\"c1\",\"tool_name\":\"shell.exec\",\"input\":{\"command\":\"pwd\"}}}"
    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_complete\",\"last_agent_message\":\"all done\",\"metadata_json\":\"{}\"}}"`

const fakeTurnSlow = `    sleep 0.5
    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_complete\",\"last_agent_message\":\"combined\"}}"`

func newTestManager(t *testing.T, script string, mutate func(*Config)) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{})
	cfg := Config{
		Binary:           script,
		TurnTimeout:      5 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ShutdownTimeout:  2 * time.Second,
		TurnRetryCount:   1,
		TestMode:         true,
		Bus:              b,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })
	return mgr, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunTurnSuccess(t *testing.T) {
	mgr, b := newTestManager(t, writeFakeKernel(t, fakeTurnSuccess), nil)

	res, err := mgr.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		AgentID:   "exec-1",
		Items:     []InputItem{Text("hello")},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.LastAgentMessage != "all done" || res.MetadataJSON != "{}" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.TurnID, "turn-") || res.Queued {
		t.Fatalf("expected an active turn id, got %+v", res)
	}

	wantOrder := []string{MsgTaskStarted, MsgToolCall, MsgTaskComplete}
	if len(res.Events) != len(wantOrder) {
		t.Fatalf("expected %d recorded events, got %+v", len(wantOrder), res.Events)
	}
	for i, typ := range wantOrder {
		if res.Events[i].Msg.Type != typ {
			t.Fatalf("event %d = %s, want %s", i, res.Events[i].Msg.Type, typ)
		}
	}
	if res.Events[0].Msg.ModelContextWindow != 32000 {
		t.Fatalf("model context window not normalized: %+v", res.Events[0].Msg)
	}

	passthrough := b.HistoryByType(bus.EventKernelEvent, 10)
	if len(passthrough) != 1 {
		t.Fatalf("expected one kernel_event on the bus, got %d", len(passthrough))
	}
	if passthrough[0].Payload["kernelType"] != MsgToolCall || passthrough[0].AgentID != "exec-1" {
		t.Fatalf("unexpected passthrough: %+v", passthrough[0])
	}

	// The child stays up for the next turn on this session.
	if keys := mgr.Sessions(); len(keys) != 1 {
		t.Fatalf("expected a live session, got %v", keys)
	}
}

func TestEnsureSessionReusesLiveChild(t *testing.T) {
	var mu sync.Mutex
	var seen []Event
	mgr, _ := newTestManager(t, writeFakeKernel(t, fakeTurnSuccess), func(c *Config) {
		c.OnEvent = func(key string, evt Event) {
			mu.Lock()
			seen = append(seen, evt)
			mu.Unlock()
		}
	})
	ctx := context.Background()

	first, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.PID() != second.PID() {
		t.Fatalf("expected child reuse, pids %d vs %d", first.PID(), second.PID())
	}
	if first.Key() != "s1::provider=crsb" {
		t.Fatalf("default provider not applied: %s", first.Key())
	}

	// The provider id travels to the child via the environment; the fake
	// echoes it back in the handshake.
	waitFor(t, "handshake event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	})
	mu.Lock()
	handshake := seen[0]
	mu.Unlock()
	if handshake.Msg.Type != MsgSessionConfigured || handshake.Msg.SessionID != DefaultProvider {
		t.Fatalf("handshake = %+v", handshake)
	}

	alt, err := mgr.EnsureSession(ctx, "s1", "other")
	if err != nil {
		t.Fatalf("ensure alt provider: %v", err)
	}
	if alt.PID() == first.PID() {
		t.Fatal("different provider must spawn a separate child")
	}
	if keys := mgr.Sessions(); len(keys) != 2 {
		t.Fatalf("expected two sessions, got %v", keys)
	}
}

func TestEmptyLastAgentMessageRejectsAsMalformed(t *testing.T) {
	script := writeFakeKernel(t, `    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_complete\",\"last_agent_message\":\"\"}}"`)
	mgr, _ := newTestManager(t, script, nil)

	_, err := mgr.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Items:     []InputItem{Text("hello")},
	})
	if !errors.IsMalformedDecision(err) {
		t.Fatalf("expected malformed decision, got %v", err)
	}
	waitFor(t, "session teardown", func() bool { return len(mgr.Sessions()) == 0 })
}

func TestErrorEventClassification(t *testing.T) {
	cases := []struct {
		message   string
		kind      errors.Kind
		retryable bool
	}{
		{"provider error 429: rate limited", errors.KindTransient, true},
		{"provider error 401: bad key", errors.KindUnauthorized, false},
	}
	for _, tc := range cases {
		script := writeFakeKernel(t, `    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"error\",\"message\":\"`+tc.message+`\"}}"`)
		mgr, _ := newTestManager(t, script, nil)

		_, err := mgr.RunTurn(context.Background(), TurnRequest{
			SessionID: "s1",
			Items:     []InputItem{Text("hello")},
		})
		if err == nil {
			t.Fatalf("%s: expected error", tc.message)
		}
		if got := errors.KindOf(err); got != tc.kind {
			t.Fatalf("%s: kind = %v, want %v", tc.message, got, tc.kind)
		}
		if errors.IsRetryable(err) != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.message, errors.IsRetryable(err), tc.retryable)
		}
		waitFor(t, "error teardown", func() bool { return len(mgr.Sessions()) == 0 })
	}
}

func TestTurnTimeoutKillsChild(t *testing.T) {
	script := writeFakeKernel(t, "    :")
	mgr, _ := newTestManager(t, script, nil)
	ctx := context.Background()

	sess, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err = mgr.RunTurn(ctx, TurnRequest{
		SessionID: "s1",
		Items:     []InputItem{Text("hello")},
		TimeoutMS: 150,
	})
	if !errors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	waitFor(t, "timeout teardown", func() bool { return len(mgr.Sessions()) == 0 })
	waitFor(t, "child death", func() bool { return !sess.Alive() })
}

func TestInterruptSessionRejectsActiveTurn(t *testing.T) {
	mgr, _ := newTestManager(t, writeFakeKernel(t, fakeTurnSlow), nil)
	ctx := context.Background()

	sess, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var turnErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, turnErr = mgr.RunTurn(ctx, TurnRequest{SessionID: "s1", Items: []InputItem{Text("work")}})
	}()
	waitFor(t, "turn activation", sess.Busy)

	if err := mgr.InterruptSession("s1", ""); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	wg.Wait()

	if !errors.IsUserInterrupt(turnErr) {
		t.Fatalf("expected user interrupt, got %v", turnErr)
	}
	if !strings.Contains(turnErr.Error(), "interrupted") {
		t.Fatalf("interrupt error should mention interruption: %v", turnErr)
	}
	if len(mgr.Sessions()) != 0 {
		t.Fatal("interrupted session should be disposed")
	}

	if err := mgr.InterruptSession("nope", ""); !errors.IsValidation(err) {
		t.Fatalf("interrupting an unknown session should be a validation error, got %v", err)
	}
}

func TestSecondTurnQueuesAsPendingInput(t *testing.T) {
	mgr, b := newTestManager(t, writeFakeKernel(t, fakeTurnSlow), nil)
	ctx := context.Background()

	sess, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var first TurnResult
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = mgr.RunTurn(ctx, TurnRequest{SessionID: "s1", Items: []InputItem{Text("one")}})
	}()
	waitFor(t, "turn activation", sess.Busy)

	second, err := mgr.RunTurn(ctx, TurnRequest{SessionID: "s1", Items: []InputItem{Text("two")}})
	if err != nil {
		t.Fatalf("queued turn: %v", err)
	}
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("active turn: %v", firstErr)
	}

	if !second.Queued || !strings.HasPrefix(second.TurnID, "pending-") {
		t.Fatalf("second turn should be queued: %+v", second)
	}
	if len(second.Events) == 0 || second.Events[0].Msg.Type != MsgPendingInputQueued {
		t.Fatalf("queued turn should be acknowledged synthetically: %+v", second.Events)
	}
	// One task_complete settles the active turn and everything queued
	// behind it.
	if first.LastAgentMessage != "combined" || second.LastAgentMessage != "combined" {
		t.Fatalf("results diverged: %q vs %q", first.LastAgentMessage, second.LastAgentMessage)
	}

	var sawAck bool
	for _, evt := range b.HistoryByType(bus.EventKernelEvent, 20) {
		if evt.Payload["kernelType"] == MsgPendingInputQueued {
			sawAck = true
		}
	}
	if !sawAck {
		t.Fatal("pending_input_queued should pass through to the bus")
	}
}

func TestCloseSessionGraceful(t *testing.T) {
	mgr, _ := newTestManager(t, writeFakeKernel(t, fakeTurnSuccess), nil)
	ctx := context.Background()

	sess, err := mgr.EnsureSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := mgr.RunTurn(ctx, TurnRequest{SessionID: "s1", Items: []InputItem{Text("hello")}}); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if err := mgr.CloseSession(ctx, "s1", ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(mgr.Sessions()) != 0 {
		t.Fatal("closed session should be forgotten")
	}
	waitFor(t, "graceful exit", func() bool { return !sess.Alive() })

	// Closing again is a no-op.
	if err := mgr.CloseSession(ctx, "s1", ""); err != nil {
		t.Fatalf("idempotent close: %v", err)
	}
}

func TestRunTurnWithRetryRecovers(t *testing.T) {
	// The child fails the first attempt and leaves a marker next to the
	// script; the respawned child sees the marker and succeeds.
	script := writeFakeKernel(t, `    MARKER="$(dirname "$0")/marker"
    if [ ! -f "$MARKER" ]; then
      touch "$MARKER"
      printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"error\",\"message\":\"provider error 503: overloaded\"}}"
    else
      printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_complete\",\"last_agent_message\":\"recovered\"}}"
    fi`)
	mgr, b := newTestManager(t, script, nil)

	res, err := mgr.RunTurnWithRetry(context.Background(), TurnRequest{
		SessionID: "s1",
		AgentID:   "exec-2",
		Items:     []InputItem{Text("hello")},
	})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if res.LastAgentMessage != "recovered" {
		t.Fatalf("result = %+v", res)
	}

	retries := b.HistoryByType(bus.EventTurnRetry, 10)
	if len(retries) != 1 {
		t.Fatalf("expected one turn_retry event, got %d", len(retries))
	}
	if retries[0].Payload["attempt"] != 1 || retries[0].AgentID != "exec-2" {
		t.Fatalf("unexpected retry event: %+v", retries[0])
	}
}

func TestRunTurnWithRetryExhaustsBudget(t *testing.T) {
	script := writeFakeKernel(t, `    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"error\",\"message\":\"provider error 503: overloaded\"}}"`)
	mgr, b := newTestManager(t, script, nil)

	_, err := mgr.RunTurnWithRetry(context.Background(), TurnRequest{
		SessionID: "s1",
		Items:     []InputItem{Text("hello")},
	})
	if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("expected exhausted budget, got %v", err)
	}
	if got := len(b.HistoryByType(bus.EventTurnRetry, 10)); got != 1 {
		t.Fatalf("retry count %d, want 1", got)
	}
}

func TestRunTurnWithRetryNeverRetriesAuthFailures(t *testing.T) {
	script := writeFakeKernel(t, `    printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"error\",\"message\":\"provider error 403: forbidden\"}}"`)
	mgr, b := newTestManager(t, script, nil)

	_, err := mgr.RunTurnWithRetry(context.Background(), TurnRequest{
		SessionID: "s1",
		Items:     []InputItem{Text("hello")},
	})
	if errors.KindOf(err) != errors.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := len(b.HistoryByType(bus.EventTurnRetry, 10)); got != 0 {
		t.Fatalf("auth failures must not retry, saw %d retries", got)
	}
}

func TestDiagnosticsMirrorSubmissions(t *testing.T) {
	diag := NewDiagnostics(t.TempDir(), nil)
	mgr, _ := newTestManager(t, writeFakeKernel(t, fakeTurnSuccess), func(c *Config) {
		c.Diagnostics = diag
	})

	if _, err := mgr.RunTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		AgentID:   "exec-7",
		Items:     []InputItem{Text("audit me")},
	}); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if err := diag.Close(); err != nil {
		t.Fatalf("close diagnostics: %v", err)
	}

	data, err := os.ReadFile(diag.Path("exec-7"))
	if err != nil {
		t.Fatalf("read diagnostics: %v", err)
	}
	for _, want := range []string{`"agentId":"exec-7"`, `"type":"user_turn"`, `"text":"audit me"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("diagnostics line missing %s: %s", want, data)
		}
	}
}

func TestHandshakeTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5\n")
	mgr, _ := newTestManager(t, script, func(c *Config) {
		c.HandshakeTimeout = 150 * time.Millisecond
	})

	_, err := mgr.EnsureSession(context.Background(), "s1", "")
	if err == nil || !strings.Contains(err.Error(), "did not configure") {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if len(mgr.Sessions()) != 0 {
		t.Fatal("unconfigured session should be disposed")
	}
}

func TestManagerValidation(t *testing.T) {
	if _, err := NewManager(Config{}); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for missing binary, got %v", err)
	}

	mgr, _ := newTestManager(t, writeFakeKernel(t, fakeTurnSuccess), nil)
	if _, err := mgr.RunTurn(context.Background(), TurnRequest{SessionID: "s1"}); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for empty items, got %v", err)
	}
	if _, err := mgr.EnsureSession(context.Background(), "", ""); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for empty session id, got %v", err)
	}
	if err := mgr.Approve("s1", "", "a1", "maybe", false); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for bad decision, got %v", err)
	}
}
