package retrieval

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with cl100k_base, falling back to the
// classic len/4 heuristic when the encoding is unavailable (tiktoken
// fetches its BPE table on first use; offline machines hit the fallback).
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	est := len(text) / 4
	if est == 0 && len(text) > 0 {
		est = 1
	}
	return est
}
