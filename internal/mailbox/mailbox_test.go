package mailbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"finger/internal/errors"
	"finger/internal/ids"
)

func TestCreateMessageAssignsIDAndStatus(t *testing.T) {
	m := New(Config{})
	entry, err := m.CreateMessage("orchestrator", map[string]any{"task": "build"}, "cli", "")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}
	if entry.ID == "" || entry.ID[:4] != "msg-" {
		t.Fatalf("expected msg- prefixed id, got %q", entry.ID)
	}
	got, ok := m.GetMessage(entry.ID)
	if !ok || got.Target != "orchestrator" {
		t.Fatalf("expected stored entry, got %+v ok=%v", got, ok)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	m := New(Config{})
	if _, err := m.CreateMessage("", nil, "", ""); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for empty target, got %v", err)
	}
	if _, err := m.CreateMessage("a", nil, "", "not-a-callback"); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for bad callback, got %v", err)
	}
}

func TestCallbackLookupAndDuplicateRejection(t *testing.T) {
	m := New(Config{})
	cb := ids.NewCallbackID()
	entry, err := m.CreateMessage("executor", nil, "cli", cb)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	got, ok := m.GetMessageByCallbackID(cb)
	if !ok || got.ID != entry.ID {
		t.Fatalf("callback lookup failed: %+v ok=%v", got, ok)
	}

	if _, err := m.CreateMessage("executor", nil, "cli", cb); !errors.IsValidation(err) {
		t.Fatalf("expected duplicate callback rejection, got %v", err)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	m := New(Config{})
	entry, _ := m.CreateMessage("reviewer", nil, "", "")

	if _, err := m.UpdateStatus(entry.ID, StatusProcessing, nil, ""); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	if _, err := m.UpdateStatus(entry.ID, StatusPending, nil, ""); err == nil {
		t.Fatal("expected processing->pending to be rejected")
	}
	settled, err := m.UpdateStatus(entry.ID, StatusCompleted, map[string]any{"ok": true}, "")
	if err != nil {
		t.Fatalf("processing->completed: %v", err)
	}
	if settled.CompletedAt == nil {
		t.Fatal("expected completedAt on terminal entry")
	}
	if _, err := m.UpdateStatus(entry.ID, StatusFailed, nil, "late"); err == nil {
		t.Fatal("expected terminal entry to reject further transitions")
	}
}

func TestUpdateStatusUnknownMessage(t *testing.T) {
	m := New(Config{})
	if _, err := m.UpdateStatus("msg-missing", StatusProcessing, nil, ""); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	entry, _ := m.CreateMessage("x", nil, "", "")
	if _, err := m.UpdateStatus(entry.ID, Status("bogus"), nil, ""); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for bogus status, got %v", err)
	}
}

func TestWaitTerminal(t *testing.T) {
	m := New(Config{})
	entry, _ := m.CreateMessage("orchestrator", nil, "", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.UpdateStatus(entry.ID, StatusFailed, nil, "no capacity")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	settled, err := m.WaitTerminal(ctx, entry.ID)
	if err != nil {
		t.Fatalf("WaitTerminal: %v", err)
	}
	if settled.Status != StatusFailed || settled.Error != "no capacity" {
		t.Fatalf("unexpected settled entry: %+v", settled)
	}
}

func TestWaitTerminalTimeout(t *testing.T) {
	m := New(Config{})
	entry, _ := m.CreateMessage("orchestrator", nil, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.WaitTerminal(ctx, entry.ID); !errors.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestRetentionPrunesOldest(t *testing.T) {
	m := New(Config{RetentionPerTarget: 3})
	var ids []string
	for i := 0; i < 5; i++ {
		entry, err := m.CreateMessage("executor", map[string]any{"n": i}, "", "")
		if err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
		ids = append(ids, entry.ID)
	}

	if _, ok := m.GetMessage(ids[0]); ok {
		t.Fatal("expected oldest message to be pruned")
	}
	if _, ok := m.GetMessage(ids[1]); ok {
		t.Fatal("expected second oldest message to be pruned")
	}
	kept := m.Messages("executor", 0)
	if len(kept) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(kept))
	}
	if kept[0].ID != ids[2] {
		t.Fatalf("expected retention to keep newest, oldest kept is %s", kept[0].ID)
	}
}

func TestMessagesAndPending(t *testing.T) {
	m := New(Config{})
	a, _ := m.CreateMessage("t", nil, "", "")
	b, _ := m.CreateMessage("t", nil, "", "")
	m.UpdateStatus(a.ID, StatusCompleted, "done", "")

	pending := m.Pending("t")
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("expected only %s pending, got %+v", b.ID, pending)
	}
	if got := m.Messages("t", 1); len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected limit to keep newest, got %+v", got)
	}
	if stats := m.Stats(); stats["t"] != 2 {
		t.Fatalf("expected stats t=2, got %v", stats)
	}
}

func TestCallbackFormatRoundTrip(t *testing.T) {
	for i := 0; i < 10; i++ {
		cb := ids.NewCallbackID()
		if !ids.ValidCallbackID(cb) {
			t.Fatalf("generated callback %q fails validation", cb)
		}
	}
	bad := []string{"cli-", "cli-abc-123456", fmt.Sprintf("CLI-%d-abcdef", time.Now().Unix())}
	for _, cb := range bad {
		if ids.ValidCallbackID(cb) {
			t.Fatalf("expected %q to be invalid", cb)
		}
	}
}
