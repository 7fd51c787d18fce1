package relevance

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
)

const minTokenRunes = 3

// Tokenize lowercases text, splits it on anything that is not a letter or
// digit, drops tokens shorter than three runes and stems the rest (English
// Snowball). Scoring, corpus updates and queries all share this path.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minTokenRunes {
			continue
		}
		tokens = append(tokens, stem(f))
	}
	return tokens
}

func stem(word string) string {
	stemmed, err := snowball.Stem(word, "english", true)
	if err != nil || stemmed == "" {
		return word
	}
	return stemmed
}

// Query is a parsed, de-duplicated set of query terms.
type Query struct {
	Raw   string
	Terms []string
}

// ParseQuery tokenizes raw into unique terms, preserving first-seen order.
func ParseQuery(raw string) Query {
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range Tokenize(raw) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return Query{Raw: raw, Terms: terms}
}

// Empty reports whether the query has no usable terms.
func (q Query) Empty() bool {
	return len(q.Terms) == 0
}
