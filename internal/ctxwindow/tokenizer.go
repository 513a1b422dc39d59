package ctxwindow

import (
	"math"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts the tokens of a piece of text.
type Tokenizer interface {
	Count(text string) int
}

// TokenizerFunc adapts a function to Tokenizer.
type TokenizerFunc func(text string) int

func (f TokenizerFunc) Count(text string) int { return f(text) }

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// DefaultTokenizer returns the cl100k_base tokenizer, or the estimator when
// the encoding cannot be loaded.
func DefaultTokenizer() Tokenizer {
	if enc := loadEncoding(); enc != nil {
		return tiktokenTokenizer{enc: enc}
	}
	return Estimator{}
}

// Estimator approximates token counts without a vocabulary. CJK glyphs cost
// about 1/1.5 token each and other characters about 1/4, plus a 10% margin.
type Estimator struct{}

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	est := (float64(cjk)/1.5 + float64(other)/4) * 1.1
	return int(math.Ceil(est))
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
