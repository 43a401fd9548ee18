package tracker

import (
	"context"
	"testing"

	"finger/internal/errors"
)

func TestMemoryTrackerLifecycle(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	epic, err := tr.CreateEpic(ctx, "epic", "top level", []string{"finger:epic"})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	first, err := tr.CreateTask(ctx, "first", "", epic.ID, "exec-1", nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := tr.CreateTask(ctx, "second", "", epic.ID, "", nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := tr.AddDependency(ctx, second.ID, first.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if deps := tr.Dependencies(second.ID); len(deps) != 1 || deps[0] != first.ID {
		t.Fatalf("dependencies = %v", deps)
	}

	if err := tr.UpdateStatus(ctx, first.ID, StatusInProgress); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tr.CloseTask(ctx, first.ID, "wrote 3 files"); err != nil {
		t.Fatalf("close: %v", err)
	}
	task, err := tr.ShowTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if task.Status != StatusClosed || task.ParentID != epic.ID || task.Assignee != "exec-1" {
		t.Fatalf("unexpected task %+v", task)
	}
	comments := tr.Comments(first.ID)
	if len(comments) != 1 || comments[0].Text != "wrote 3 files" || comments[0].Author != DefaultAuthor {
		t.Fatalf("close should leave the reason as a comment: %+v", comments)
	}

	if err := tr.MarkBlocked(ctx, second.ID, "dependency failed"); err != nil {
		t.Fatalf("mark blocked: %v", err)
	}
	blocked, _ := tr.ShowTask(ctx, second.ID)
	if blocked.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", blocked.Status)
	}
	if comments := tr.Comments(second.ID); len(comments) != 1 || comments[0].Text != "dependency failed" {
		t.Fatalf("block reason not recorded: %+v", comments)
	}
}

func TestMemoryTrackerValidation(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	if _, err := tr.CreateEpic(ctx, "", "", nil); !errors.IsValidation(err) {
		t.Fatalf("empty title: %v", err)
	}
	if _, err := tr.CreateTask(ctx, "task", "", "bd-99", "", nil); !errors.IsValidation(err) {
		t.Fatalf("unknown parent: %v", err)
	}
	if err := tr.UpdateStatus(ctx, "bd-99", StatusClosed); !errors.IsValidation(err) {
		t.Fatalf("unknown task update: %v", err)
	}
	if err := tr.Comment(ctx, "bd-99", "", "text"); !errors.IsValidation(err) {
		t.Fatalf("unknown task comment: %v", err)
	}
	if err := tr.AddDependency(ctx, "bd-99", "bd-98"); !errors.IsValidation(err) {
		t.Fatalf("unknown dependency ends: %v", err)
	}
	if _, err := tr.ShowTask(ctx, "bd-99"); !errors.IsValidation(err) {
		t.Fatalf("unknown show: %v", err)
	}
}

func TestMemoryTrackerShowReturnsCopies(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	epic, _ := tr.CreateEpic(ctx, "epic", "", []string{"keep"})
	got, _ := tr.ShowTask(ctx, epic.ID)
	got.Labels[0] = "mutated"
	got.Status = StatusClosed

	again, _ := tr.ShowTask(ctx, epic.ID)
	if again.Labels[0] != "keep" || again.Status != StatusOpen {
		t.Fatalf("internal state leaked through ShowTask: %+v", again)
	}
}
