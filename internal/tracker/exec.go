package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"finger/internal/errors"
	"finger/internal/logging"
)

// DefaultBinary is the bd CLI looked up on PATH when none is configured.
const DefaultBinary = "bd"

// DefaultAuthor signs comments posted without an explicit author.
const DefaultAuthor = "finger"

// ExecConfig configures an ExecTracker.
type ExecConfig struct {
	// Binary is the bd executable; empty means DefaultBinary on PATH.
	Binary string
	// WorkDir is the directory bd runs in; empty inherits the daemon's.
	WorkDir string
	// Author signs comments when callers pass none.
	Author string
	Logger logging.Logger
}

// ExecTracker drives the bd CLI, one process per call.
type ExecTracker struct {
	binary  string
	workDir string
	author  string
	logger  logging.Logger
}

var _ Tracker = (*ExecTracker)(nil)

// NewExecTracker builds a CLI-backed tracker client.
func NewExecTracker(cfg ExecConfig) *ExecTracker {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Author == "" {
		cfg.Author = DefaultAuthor
	}
	return &ExecTracker{
		binary:  cfg.Binary,
		workDir: cfg.WorkDir,
		author:  cfg.Author,
		logger:  logging.OrNop(cfg.Logger),
	}
}

// run executes one bd invocation and returns its stdout. bd reports problems
// on stderr with a non-zero exit, so stderr text wins over the exec error.
func (t *ExecTracker) run(ctx context.Context, args ...string) ([]byte, error) {
	verb := args[0]
	start := time.Now()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	if t.workDir != "" {
		cmd.Dir = t.workDir
	}
	// Grandchildren of bd may hold the output pipes open after a kill.
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	t.logger.Debug("bd %s finished in %v", verb, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindUserInterrupt, ctx.Err(), "bd %s cancelled", verb)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Fatal("bd %s failed: %s", verb, msg)
		}
		return nil, errors.Wrap(errors.KindFatal, err, "bd %s failed", verb)
	}
	return stdout.Bytes(), nil
}

// CreateEpic runs bd create --type epic and parses the created identity.
func (t *ExecTracker) CreateEpic(ctx context.Context, title, description string, labels []string) (CreateResult, error) {
	if strings.TrimSpace(title) == "" {
		return CreateResult{}, errors.Validation("tracker epic requires a title")
	}
	args := []string{"create", "--type", "epic", "--title", title, "--description", description}
	if len(labels) > 0 {
		args = append(args, "--labels", strings.Join(labels, ","))
	}
	args = append(args, "--json")
	out, err := t.run(ctx, args...)
	if err != nil {
		return CreateResult{}, err
	}
	return parseCreate(out)
}

// CreateTask runs bd create --type task under parentID.
func (t *ExecTracker) CreateTask(ctx context.Context, title, description, parentID, assignee string, labels []string) (CreateResult, error) {
	if strings.TrimSpace(title) == "" {
		return CreateResult{}, errors.Validation("tracker task requires a title")
	}
	args := []string{"create", "--type", "task", "--title", title, "--description", description}
	if parentID != "" {
		args = append(args, "--parent", parentID)
	}
	if assignee != "" {
		args = append(args, "--assignee", assignee)
	}
	if len(labels) > 0 {
		args = append(args, "--labels", strings.Join(labels, ","))
	}
	args = append(args, "--json")
	out, err := t.run(ctx, args...)
	if err != nil {
		return CreateResult{}, err
	}
	return parseCreate(out)
}

func parseCreate(out []byte) (CreateResult, error) {
	var res CreateResult
	if err := json.Unmarshal(out, &res); err != nil {
		return CreateResult{}, errors.Wrap(errors.KindMalformedDecision, err, "parse bd create output")
	}
	if res.ID == "" {
		return CreateResult{}, errors.MalformedDecision("bd create returned no id: %s", strings.TrimSpace(string(out)))
	}
	return res, nil
}

// AddDependency runs bd dep add taskID dependsOnID.
func (t *ExecTracker) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := t.run(ctx, "dep", "add", taskID, dependsOnID, "--json")
	return err
}

// UpdateStatus runs bd update --status.
func (t *ExecTracker) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	_, err := t.run(ctx, "update", taskID, "--status", string(status), "--json")
	return err
}

// CloseTask runs bd close with the result as the close reason.
func (t *ExecTracker) CloseTask(ctx context.Context, taskID, reason string) error {
	_, err := t.run(ctx, "close", taskID, "--reason", reason, "--json")
	return err
}

// MarkBlocked flips the task to blocked, then posts the failure reason so the
// status change carries its explanation.
func (t *ExecTracker) MarkBlocked(ctx context.Context, taskID, reason string) error {
	if err := t.UpdateStatus(ctx, taskID, StatusBlocked); err != nil {
		return err
	}
	return t.Comment(ctx, taskID, "", reason)
}

// Comment runs bd comment. The text rides behind -- so leading dashes in
// observations cannot be read as flags.
func (t *ExecTracker) Comment(ctx context.Context, taskID, author, text string) error {
	if author == "" {
		author = t.author
	}
	_, err := t.run(ctx, "comment", taskID, "--author", author, "--", text)
	return err
}

// ShowTask runs bd show and unwraps the single-element JSON array bd prints.
func (t *ExecTracker) ShowTask(ctx context.Context, taskID string) (*Task, error) {
	out, err := t.run(ctx, "show", taskID, "--json")
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, errors.Wrap(errors.KindMalformedDecision, err, "parse bd show output")
	}
	if len(tasks) == 0 {
		return nil, errors.Validation("tracker task %s not found", taskID)
	}
	return &tasks[0], nil
}
