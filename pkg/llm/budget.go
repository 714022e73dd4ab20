package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encoding is lazily initialized on first use; cl100k_base is a
// reasonable provider-agnostic approximation when the concrete model's
// own tokenizer isn't available to the engine.
var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// EstimateTokens approximates the token count of text. If the tokenizer
// failed to load, it falls back to a conservative chars/4 heuristic rather
// than failing the caller — prompt budgeting is advisory, not load-bearing.
func EstimateTokens(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// TrimToBudget drops the oldest entries of memory (accumulated
// evaluation/next-goal notes carried across steps, §4.4) until the joined
// text fits within maxTokens, keeping the most recent entries — recent
// context matters more to the next decision than old context.
func TrimToBudget(memory []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return nil
	}
	kept := make([]string, len(memory))
	copy(kept, memory)
	for len(kept) > 0 && EstimateTokens(strings.Join(kept, "\n")) > maxTokens {
		kept = kept[1:]
	}
	return kept
}
