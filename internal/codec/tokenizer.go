package codec

import "strings"

// Tokenizer splits a legacy line into space-separated parts from the left,
// leaving the remainder intact for free-text arguments.
type Tokenizer struct {
	rest string
}

// NewTokenizer creates a tokenizer over line.
func NewTokenizer(line string) *Tokenizer {
	return &Tokenizer{rest: line}
}

// Next returns the text up to the next space and advances past it. When no
// space remains, the whole remainder is returned.
func (t *Tokenizer) Next() string {
	part, rest, found := strings.Cut(t.rest, " ")
	if !found {
		part, rest = t.rest, ""
	}
	t.rest = rest
	return part
}

// Rest returns everything not yet consumed and empties the tokenizer.
func (t *Tokenizer) Rest() string {
	rest := t.rest
	t.rest = ""
	return rest
}
