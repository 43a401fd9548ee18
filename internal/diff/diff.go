// Package diff renders plain-text unified diffs between two versions of a
// document, line by line. It backs replanning notifications, where the old
// and new plan text are compared to show what the planner changed.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Result carries the rendered diff and its line statistics.
type Result struct {
	Text    string
	Added   int
	Deleted int
}

// Changed reports whether the two inputs differed at all.
func (r Result) Changed() bool {
	return r.Added > 0 || r.Deleted > 0
}

// Summary returns a compact "+N/-M line(s)" description.
func (r Result) Summary() string {
	if !r.Changed() {
		return "no changes"
	}
	parts := make([]string, 0, 2)
	if r.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d line(s)", r.Added))
	}
	if r.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("-%d line(s)", r.Deleted))
	}
	return strings.Join(parts, ", ")
}

// Unified diffs oldText against newText line by line and renders the result
// in unified format under a/<label> and b/<label> headers. Identical inputs
// produce a zero Result with empty text.
func Unified(oldText, newText, label string) Result {
	if oldText == newText {
		return Result{}
	}

	dmp := diffmatchpatch.New()
	oldRunes, newRunes, lines := dmp.DiffLinesToRunes(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(oldRunes, newRunes, false), lines)

	var sb strings.Builder
	sb.WriteString("--- a/" + label + "\n")
	sb.WriteString("+++ b/" + label + "\n")

	result := Result{}
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
			result.Added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			prefix = "-"
			result.Deleted += countLines(d.Text)
		}
		for _, line := range splitLines(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	result.Text = sb.String()
	return result
}

func countLines(text string) int {
	return len(splitLines(text))
}

// splitLines breaks diff chunk text into lines, ignoring the trailing empty
// segment a final newline would otherwise produce.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
