package ids

import (
	"strings"
	"testing"
)

func TestCallbackIDRoundTrip(t *testing.T) {
	id := NewCallbackID()
	if !ValidCallbackID(id) {
		t.Fatalf("generated callback id %q fails its own validator", id)
	}
}

func TestValidCallbackIDRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"cli-abc-xyzxyz",
		"cli-123-XYZXYZ",
		"cli-123-abc",
		"msg-123-abcdef",
		"cli-123-abcdefg",
	}
	for _, id := range bad {
		if ValidCallbackID(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
	if !ValidCallbackID("cli-1756000000000-a1b2c3") {
		t.Fatalf("well-formed callback id rejected")
	}
}

func TestStructuredIDs(t *testing.T) {
	if got := LoopID("epic-9", "plan", 3); got != "L-epic-9-plan-3" {
		t.Fatalf("LoopID = %q", got)
	}
	if got := NodeID("L-epic-9-plan-3", 1); got != "N-L-epic-9-plan-3-1" {
		t.Fatalf("NodeID = %q", got)
	}
	if !strings.HasPrefix(TurnID(7), "turn-") || !strings.HasSuffix(TurnID(7), "-7") {
		t.Fatalf("TurnID shape unexpected: %q", TurnID(7))
	}
	if !strings.HasPrefix(PendingID(2), "pending-") {
		t.Fatalf("PendingID shape unexpected: %q", PendingID(2))
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
