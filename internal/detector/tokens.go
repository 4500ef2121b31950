package detector

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// EstimateTokens counts the tokens a transcript would consume, using the
// cl100k BPE vocabulary. If the tokenizer is unavailable the byte-length/4
// heuristic is used so callers always get a usable estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return len(text) / 4
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// NearOverflow reports whether a transcript's estimated token count is at or
// beyond 90% of the given budget. Used to rotate sessions proactively before
// the provider starts rejecting requests.
func NearOverflow(text string, budget int) bool {
	if budget <= 0 {
		return false
	}
	return EstimateTokens(text)*10 >= budget*9
}
