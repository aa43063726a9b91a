package model

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates prompt token counts for budget checks before a
// provider is called.
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenEstimator builds a lazy estimator; the encoding loads on first use.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// Estimate counts tokens with the cl100k_base encoding, falling back to a
// character heuristic when the encoding is unavailable.
func (e *TokenEstimator) Estimate(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// Roughly four characters per token for English text.
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
