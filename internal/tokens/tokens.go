// Package tokens estimates token counts for pre-dispatch cost gating.
// Exact counts come back from the provider after execution; these
// estimates only need to be stable and conservative.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/relaylabs/llm-relay/internal/provider"
)

// perMessageOverhead approximates the chat framing tokens each message
// costs on top of its content.
const perMessageOverhead = 4

// Counter counts tokens with a tiktoken encoding, falling back to a
// character heuristic when the encoding is unavailable (e.g. offline).
type Counter struct {
	enc *tiktoken.Tiktoken
}

func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four characters, minimum one.
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Counter) CountMessages(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + c.Count(m.Content)
	}
	return total
}
