package loop

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Fatalf("empty text should cost nothing, got %d", got)
	}
	short := CountTokens("hello world")
	if short < 1 {
		t.Fatalf("expected at least one token, got %d", short)
	}
	long := CountTokens(strings.Repeat("the quick brown fox jumps over the lazy dog ", 20))
	if long <= short {
		t.Fatalf("longer text should cost more: short=%d long=%d", short, long)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens("abc"); got < 1 {
		t.Fatalf("non-empty text estimates at least one token, got %d", got)
	}
	small := estimateTokens("one two three")
	big := estimateTokens(strings.Repeat("one two three ", 40))
	if big <= small {
		t.Fatalf("estimate should grow with input: %d vs %d", small, big)
	}
}

func TestNodeAndLoopTokens(t *testing.T) {
	n := Node{Title: "step one", Text: "do the work carefully"}
	if nodeTokens(n) != CountTokens(n.Title)+CountTokens(n.Text) {
		t.Fatal("node tokens must cover title and text")
	}
	l := Loop{Nodes: []Node{n, {Text: "second"}}}
	if loopTokens(l) != nodeTokens(l.Nodes[0])+nodeTokens(l.Nodes[1]) {
		t.Fatal("loop tokens must sum node tokens")
	}
}
