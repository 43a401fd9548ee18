// Package ids mints and validates the identifier formats shared across the
// daemon: mailbox messages, CLI callbacks, loops, nodes, kernel turns.
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// callbackPattern is the externally visible callback id contract.
var callbackPattern = regexp.MustCompile(`^cli-\d+-[a-z0-9]{6}$`)

func randLower(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in far worse trouble
		// than id uniqueness; fall back to a time-derived suffix.
		stamp := fmt.Sprintf("%d", time.Now().UnixNano())
		for i := range buf {
			buf[i] = stamp[len(stamp)-1-i%len(stamp)]
		}
	}
	for i := range buf {
		buf[i] = lowerAlnum[int(buf[i])%len(lowerAlnum)]
	}
	return string(buf)
}

// NewMessageID returns a mailbox message id of the form msg-<unixMillis>-<rand6>.
func NewMessageID() string {
	return fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), randLower(6))
}

// NewCallbackID returns a callback id of the form cli-<unixMillis>-<rand6>.
func NewCallbackID() string {
	return fmt.Sprintf("cli-%d-%s", time.Now().UnixMilli(), randLower(6))
}

// ValidCallbackID reports whether s matches ^cli-\d+-[a-z0-9]{6}$.
func ValidCallbackID(s string) bool {
	return callbackPattern.MatchString(s)
}

// LoopID returns L-<epic>-<phase>-<seq>.
func LoopID(epicID, phase string, seq int) string {
	return fmt.Sprintf("L-%s-%s-%d", epicID, phase, seq)
}

// NodeID returns N-<loop>-<seq>.
func NodeID(loopID string, seq int) string {
	return fmt.Sprintf("N-%s-%d", loopID, seq)
}

// TurnID returns turn-<unixMillis>-<seq> for kernel submissions.
func TurnID(seq int64) string {
	return fmt.Sprintf("turn-%d-%d", time.Now().UnixMilli(), seq)
}

// PendingID returns pending-<unixMillis>-<seq> for queued-input submissions.
func PendingID(seq int64) string {
	return fmt.Sprintf("pending-%d-%d", time.Now().UnixMilli(), seq)
}

// NewCheckpointID returns ckpt-<unixMillis>-<rand6>.
func NewCheckpointID() string {
	return fmt.Sprintf("ckpt-%d-%s", time.Now().UnixMilli(), randLower(6))
}

// NewSessionID returns session-<uuid>.
func NewSessionID() string {
	return "session-" + uuid.NewString()
}

// NewResourceID returns res-<rand8> for pool resources registered without an
// explicit identity.
func NewResourceID() string {
	return "res-" + randLower(8)
}

// NewEventID returns an unprefixed uuid for bus events.
func NewEventID() string {
	return uuid.NewString()
}
