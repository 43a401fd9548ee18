// Package react drives one agent through rounds of thought, action, and
// observation until a stop condition fires. The planner proposes a structured
// decision each round; the registry dispatches it; stop conditions cover
// explicit completion, failure, reviewer exhaustion, convergence, stuck
// detection, and the round budget.
package react

import (
	"context"
	"fmt"
	"strings"
	"time"

	"finger/internal/action"
	"finger/internal/errors"
	"finger/internal/logging"
)

// Planner produces one raw decision per round. The production implementation
// sits on a kernel bridge session; tests use stubs.
type Planner interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// SessionResetter is implemented by planners whose backing session can be
// torn down and reconnected between rounds.
type SessionResetter interface {
	ResetSession(ctx context.Context) error
}

// Reviewer may veto a proposed action before it is dispatched.
type Reviewer interface {
	Review(ctx context.Context, d Decision) (approved bool, reason string, err error)
}

// Stop reasons reported in Outcome.StopReason.
const (
	StopComplete    = "complete"
	StopFail        = "fail"
	StopEscalate    = "escalate"
	StopRejections  = "rejections"
	StopConvergence = "convergence"
	StopStuck       = "stuck"
	StopMaxRounds   = "max_rounds"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxRounds     = 25
	DefaultOnStuck       = 3
	DefaultMaxRejections = 3
	DefaultFormatRetries = 2
)

// maxPromptObservations bounds how many prior observations the round prompt
// replays.
const maxPromptObservations = 12

// StopConditions bound a run.
type StopConditions struct {
	// CompleteActions end the loop successfully when their result succeeds.
	CompleteActions []string
	// FailActions end the loop as failed regardless of their result.
	FailActions []string
	// MaxRounds is the iteration budget.
	MaxRounds int
	// OnConvergence stops as soon as two consecutive rounds produce no new
	// information.
	OnConvergence bool
	// OnStuck stops after this many consecutive rounds without progress.
	OnStuck int
	// MaxRejections stops after this many consecutive reviewer rejections.
	MaxRejections int
}

// FormatFix bounds structured-output repair. Zero MaxRetries means
// DefaultFormatRetries; negative disables re-prompting entirely.
type FormatFix struct {
	MaxRetries int
	// Schema optionally overrides the shape named in repair prompts.
	Schema string
}

// Config wires a Loop.
type Config struct {
	Planner  Planner
	Registry *action.Registry
	Reviewer Reviewer
	// Scope is handed to every dispatched action.
	Scope   action.Scope
	AgentID string
	// FreshSessionPerRound resets the planner session between rounds to bound
	// context growth. Executors default to true; orchestrators keep one
	// session.
	FreshSessionPerRound bool
	Stop                 StopConditions
	FormatFix            FormatFix
	Snapshots            SnapshotLogger
	Logger               logging.Logger
}

// Iteration records one completed round.
type Iteration struct {
	Round           int            `json:"round"`
	RawThought      string         `json:"rawThought"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params,omitempty"`
	Result          action.Result  `json:"result"`
	Rejected        bool           `json:"rejected,omitempty"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
	Observation     string         `json:"observation,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// Outcome is the terminal report of a run.
type Outcome struct {
	Succeeded        bool        `json:"succeeded"`
	StopReason       string      `json:"stopReason"`
	FinalObservation string      `json:"finalObservation,omitempty"`
	Rounds           int         `json:"rounds"`
	Iterations       []Iteration `json:"iterations,omitempty"`
}

// Loop is a configured ReAct runner. One Loop drives one agent; a Loop must
// not be shared across concurrent runs.
type Loop struct {
	cfg    Config
	logger logging.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Loop, error) {
	if cfg.Planner == nil {
		return nil, errors.Validation("planner is required")
	}
	if cfg.Registry == nil {
		return nil, errors.Validation("action registry is required")
	}
	if cfg.Stop.MaxRounds <= 0 {
		cfg.Stop.MaxRounds = DefaultMaxRounds
	}
	if cfg.Stop.OnStuck <= 0 {
		cfg.Stop.OnStuck = DefaultOnStuck
	}
	if cfg.Stop.MaxRejections <= 0 {
		cfg.Stop.MaxRejections = DefaultMaxRejections
	}
	switch {
	case cfg.FormatFix.MaxRetries == 0:
		cfg.FormatFix.MaxRetries = DefaultFormatRetries
	case cfg.FormatFix.MaxRetries < 0:
		cfg.FormatFix.MaxRetries = 0
	}
	return &Loop{cfg: cfg, logger: logging.OrNop(cfg.Logger)}, nil
}

// Run drives rounds until a stop condition fires. The returned error is
// non-nil only for hard failures: cancelled context, planner errors, and
// malformed decisions that survive the repair budget. Every ordinary stop,
// including failure stops, comes back in the Outcome.
func (l *Loop) Run(ctx context.Context, goal string) (Outcome, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Outcome{}, errors.Validation("goal is required")
	}

	var (
		outcome         Outcome
		observations    []string
		rejectionStreak int
		stuckCount      int
		prevSignature   string
		lastObservation string
	)

	for round := 1; round <= l.cfg.Stop.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return outcome, errors.Wrap(errors.KindTimeout, err, "loop cancelled before round %d", round)
		}
		if l.cfg.FreshSessionPerRound && round > 1 {
			if resetter, ok := l.cfg.Planner.(SessionResetter); ok {
				if err := resetter.ResetSession(ctx); err != nil {
					l.logger.Warn("agent %s: session reset before round %d failed: %v", l.cfg.AgentID, round, err)
				}
			}
		}

		prompt := l.buildPrompt(goal, round, observations, stuckCount)
		start := time.Now()
		decision, raw, err := l.decide(ctx, prompt, round)
		if err != nil {
			outcome.Rounds = round
			outcome.StopReason = StopFail
			outcome.FinalObservation = errors.Observation(err)
			return outcome, err
		}

		var (
			result   action.Result
			rejected bool
			reason   string
		)
		if !l.cfg.Registry.Has(decision.Action) {
			result = action.Failure(fmt.Sprintf("unknown action %q; available: %s",
				decision.Action, strings.Join(l.cfg.Registry.Names(), ", ")))
		} else {
			if l.cfg.Reviewer != nil {
				approved, why, reviewErr := l.cfg.Reviewer.Review(ctx, decision)
				if reviewErr != nil {
					approved, why = false, errors.Observation(reviewErr)
				}
				if approved {
					rejectionStreak = 0
				} else {
					rejected = true
					reason = why
					rejectionStreak++
					result = action.Failure("rejected by reviewer: " + why)
				}
			}
			if !rejected {
				var execErr error
				result, execErr = l.cfg.Registry.Execute(ctx, decision.Action, decision.Params, l.scope())
				if execErr != nil {
					result = action.Failure(errors.Observation(execErr))
				}
			}
		}

		observation := result.Observation
		if observation == "" {
			observation = result.Error
		}
		duration := time.Since(start)
		outcome.Iterations = append(outcome.Iterations, Iteration{
			Round:           round,
			RawThought:      raw,
			Action:          decision.Action,
			Params:          decision.Params,
			Result:          result,
			Rejected:        rejected,
			RejectionReason: reason,
			Observation:     observation,
			Duration:        duration,
		})
		outcome.Rounds = round
		lastObservation = observation
		observations = append(observations, fmt.Sprintf("round %d: %s -> %s", round, decision.Action, observation))

		l.snapshot(Snapshot{
			Kind:        SnapshotThought,
			AgentID:     l.cfg.AgentID,
			Round:       round,
			Thought:     excerpt(decision.Thought, 240),
			Action:      decision.Action,
			Params:      decision.Params,
			Observation: observation,
			Error:       result.Error,
			DurationMS:  duration.Milliseconds(),
		})

		if !rejected {
			if result.Success && (containsName(l.cfg.Stop.CompleteActions, decision.Action) ||
				(result.ShouldStop && result.StopReason == action.StopComplete)) {
				outcome.Succeeded = true
				outcome.StopReason = StopComplete
				outcome.FinalObservation = observation
				return outcome, nil
			}
			if containsName(l.cfg.Stop.FailActions, decision.Action) ||
				(result.ShouldStop && result.StopReason == action.StopFail) {
				outcome.StopReason = StopFail
				outcome.FinalObservation = observation
				return outcome, nil
			}
			if result.ShouldStop && result.StopReason == action.StopEscalate {
				outcome.StopReason = StopEscalate
				outcome.FinalObservation = observation
				return outcome, nil
			}
		} else if rejectionStreak >= l.cfg.Stop.MaxRejections {
			outcome.StopReason = StopRejections
			outcome.FinalObservation = observation
			return outcome, nil
		}

		// A round that repeats the previous action with an identical outcome
		// brings no new information.
		tail := observation
		if rejected {
			tail = reason
		}
		signature := decision.Action + "|" + tail
		if prevSignature != "" && signature == prevSignature {
			stuckCount++
			if l.cfg.Stop.OnConvergence {
				outcome.StopReason = StopConvergence
				outcome.FinalObservation = observation
				return outcome, nil
			}
			if stuckCount >= l.cfg.Stop.OnStuck {
				outcome.StopReason = StopStuck
				outcome.FinalObservation = observation
				return outcome, nil
			}
		} else {
			stuckCount = 0
		}
		prevSignature = signature
	}

	outcome.StopReason = StopMaxRounds
	outcome.FinalObservation = lastObservation
	return outcome, nil
}

// decide obtains one parseable decision, spending repair prompts on malformed
// replies. Repair exhaustion is a MalformedDecision error.
func (l *Loop) decide(ctx context.Context, prompt string, round int) (Decision, string, error) {
	raw, err := l.cfg.Planner.Decide(ctx, prompt)
	if err != nil {
		return Decision{}, "", err
	}
	decision, perr := ParseDecision(raw)
	repairs := 0
	for perr != nil {
		if repairs >= l.cfg.FormatFix.MaxRetries {
			return Decision{}, raw, errors.Wrap(errors.KindMalformedDecision, perr,
				"agent %s produced no usable decision after %d repair prompts", l.cfg.AgentID, repairs)
		}
		repairs++
		l.snapshot(Snapshot{
			Kind:    SnapshotFormatRepair,
			AgentID: l.cfg.AgentID,
			Round:   round,
			Attempt: repairs,
			Error:   perr.Error(),
		})
		raw, err = l.cfg.Planner.Decide(ctx, l.repairPrompt(perr))
		if err != nil {
			return Decision{}, raw, err
		}
		decision, perr = ParseDecision(raw)
	}
	return decision, raw, nil
}

func (l *Loop) buildPrompt(goal string, round int, observations []string, stuckCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", goal)

	b.WriteString("Available actions:\n")
	for _, d := range l.cfg.Registry.List() {
		fmt.Fprintf(&b, "- %s", d.Name)
		if d.Description != "" {
			fmt.Fprintf(&b, ": %s", d.Description)
		}
		if len(d.Schema.Required) > 0 {
			fmt.Fprintf(&b, " (required params: %s)", strings.Join(d.Schema.Required, ", "))
		}
		b.WriteByte('\n')
	}

	if len(observations) > 0 {
		b.WriteString("\nObservations so far:\n")
		tail := observations
		if len(tail) > maxPromptObservations {
			tail = tail[len(tail)-maxPromptObservations:]
		}
		for _, o := range tail {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	if stuckCount > 0 {
		fmt.Fprintf(&b, "\nThe last %d round(s) produced no new information. Choose a different action or conclude.\n", stuckCount)
	}

	fmt.Fprintf(&b, "\nRound %d. Reply with exactly one JSON object: %s\n", round, l.shape())
	return b.String()
}

func (l *Loop) repairPrompt(perr error) string {
	return fmt.Sprintf("Your previous reply could not be used: %s. Reply again with exactly one JSON object of the shape %s and nothing else.",
		perr.Error(), l.shape())
}

func (l *Loop) shape() string {
	if l.cfg.FormatFix.Schema != "" {
		return l.cfg.FormatFix.Schema
	}
	return `{"thought": string, "action": string, "params": object}`
}

func (l *Loop) scope() action.Scope {
	s := l.cfg.Scope
	if s.AgentID == "" {
		s.AgentID = l.cfg.AgentID
	}
	return s
}

func (l *Loop) snapshot(s Snapshot) {
	if l.cfg.Snapshots == nil {
		return
	}
	s.Timestamp = time.Now().UTC()
	l.cfg.Snapshots.LogSnapshot(s)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
