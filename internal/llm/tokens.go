package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts prompt tokens for request logging. Both served
// models use the o200k_base encoding. Falls back to a chars/4 estimate if
// the tokenizer cannot be loaded.
func EstimateTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			codec = c
		}
	})

	if codec == nil {
		return len(text) / 4
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
