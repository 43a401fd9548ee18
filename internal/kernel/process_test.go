package kernel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.sh")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collectEvents(t *testing.T, p *Process) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("timed out draining events; got %d so far", len(events))
		}
	}
}

func TestProcessEmitsDecodedEvents(t *testing.T) {
	script := writeScript(t, `
printf '%s\n' '{"id":"session","msg":{"type":"session_configured","session_id":"k"}}'
printf '%s\n' '{"id":"turn-1","msg":{"type":"task_complete","last_agent_message":"hi"}}'
exit 0
`)
	p, err := StartProcess(ProcessConfig{Binary: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events := collectEvents(t, p)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Msg.Type != MsgSessionConfigured || events[1].Msg.LastAgentMessage != "hi" {
		t.Fatalf("unexpected events: %+v", events)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit")
	}
	if p.Alive() {
		t.Fatal("Alive should be false after exit")
	}
	if msg := p.ExitError().Error(); !strings.Contains(msg, "code 0") {
		t.Fatalf("exit error = %q", msg)
	}
}

func TestProcessSkipsUnparseableLines(t *testing.T) {
	script := writeScript(t, `
printf '%s\n' 'not json at all'
printf '%s\n' '{"id":"turn-1","msg":{"type":"task_started"}}'
exit 0
`)
	p, err := StartProcess(ProcessConfig{Binary: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := collectEvents(t, p)
	if len(events) != 1 || events[0].Msg.Type != MsgTaskStarted {
		t.Fatalf("expected the one valid event, got %+v", events)
	}
}

func TestProcessSubmitRoundTrip(t *testing.T) {
	script := writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/^{"id":"\([^"]*\)".*/\1/p')
  printf '%s\n' "{\"id\":\"$id\",\"msg\":{\"type\":\"task_complete\",\"last_agent_message\":\"echo\"}}"
done
`)
	p, err := StartProcess(ProcessConfig{Binary: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Kill()

	if err := p.Submit(Submission{ID: "turn-42", Op: UserTurn([]InputItem{Text("ping")}, nil)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case evt := <-p.Events():
		if evt.ID != "turn-42" || evt.Msg.LastAgentMessage != "echo" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for submission")
	}
}

func TestProcessExitErrorCarriesCodeAndStderrTail(t *testing.T) {
	script := writeScript(t, `
echo "first problem" >&2
echo "second problem" >&2
exit 3
`)
	p, err := StartProcess(ProcessConfig{Binary: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-p.Done()

	msg := p.ExitError().Error()
	if !strings.Contains(msg, "code 3") {
		t.Fatalf("exit error missing code: %q", msg)
	}
	if !strings.Contains(msg, "second problem") {
		t.Fatalf("exit error missing stderr tail: %q", msg)
	}
}

func TestProcessKillReportsSignal(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	p, err := StartProcess(ProcessConfig{Binary: script})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	p.Kill()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kill did not terminate child")
	}
	if msg := p.ExitError().Error(); !strings.Contains(msg, "signal") {
		t.Fatalf("exit error = %q", msg)
	}
	// Killing again is harmless.
	p.Kill()
}

func TestProcessEnvReachesChild(t *testing.T) {
	script := writeScript(t, `
printf '%s\n' "{\"id\":\"session\",\"msg\":{\"type\":\"session_configured\",\"session_id\":\"$FINGER_KERNEL_PROVIDER\"}}"
exit 0
`)
	p, err := StartProcess(ProcessConfig{
		Binary: script,
		Env:    map[string]string{EnvProvider: "test-provider"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := collectEvents(t, p)
	if len(events) != 1 || events[0].Msg.SessionID != "test-provider" {
		t.Fatalf("provider env not visible to child: %+v", events)
	}
}

func TestProcessRejectsMissingBinary(t *testing.T) {
	if _, err := StartProcess(ProcessConfig{Binary: ""}); err == nil {
		t.Fatal("expected error for empty binary")
	}
	if _, err := StartProcess(ProcessConfig{Binary: "/does/not/exist-kernel"}); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
