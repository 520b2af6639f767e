package chunker

import (
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in text. Chunk budgets are expressed in
// tokens of the embedding model's vocabulary, so the counter should
// match the model tokenizer as closely as possible.
type Tokenizer interface {
	Count(text string) int
}

// NewTokenizer returns a cl100k_base tokenizer, falling back to a
// word-count heuristic when the encoding cannot be loaded (e.g. no
// network access to fetch the BPE ranks).
func NewTokenizer() Tokenizer {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return heuristicTokenizer{}
	}
	return &tiktokenTokenizer{enc: enc}
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// heuristicTokenizer approximates the token count using a simple
// word-based heuristic: tokens ~ words * 1.3.
type heuristicTokenizer struct{}

func (heuristicTokenizer) Count(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}
