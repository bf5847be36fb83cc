// Package tokencount estimates prompt sizes sent to the agent upstream.
//
// It uses tiktoken-go to count tokens against the model reported by the
// agent's health probe, falling back to a character heuristic when the
// model has no known encoding. Counts feed the prompt-size histogram.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{cache: make(map[string]*tiktoken.Tiktoken)}
}

// normalizeModel maps served model names onto tiktoken-compatible ids. The
// note-structuring models in use all tokenize close enough to cl100k_base.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	key := normalizeModel(model)
	c.mu.RLock()
	enc, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[key] = enc
	return enc, nil
}

// Count returns the token count of text for the given model, falling back
// to a rough 4-characters-per-token estimate when no encoding loads.
func (c *Counter) Count(text, model string) int {
	enc, err := c.encoding(model)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
