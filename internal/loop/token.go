package loop

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the cl100k_base encoding, falling back to a
// runes/4 heuristic when the encoding cannot be initialized (offline hosts).
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

func nodeTokens(n Node) int {
	return CountTokens(n.Title) + CountTokens(n.Text)
}

func loopTokens(l Loop) int {
	total := 0
	for _, n := range l.Nodes {
		total += nodeTokens(n)
	}
	return total
}
