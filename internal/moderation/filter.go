// Package moderation holds the content and behaviour checks of a live
// session: the profanity filter, the strike tracker that escalates repeated
// violations into an automatic mute, and the mute state machine.
package moderation

import (
	"strings"
	"unicode"
)

// ReasonProfanity is the FilterResult reason for blocklist matches.
const ReasonProfanity = "profanity"

// defaultTerms is the built-in blocklist. Single words match whole tokens
// only; multi-word entries match consecutive tokens.
var defaultTerms = []string{
	// profanity
	"fuck", "fucking", "fucker", "motherfucker", "shit", "bullshit", "bitch",
	"asshole", "ass", "bastard", "cunt", "dick", "dickhead", "piss", "prick",
	"slut", "whore", "wanker", "twat",
	// slurs
	"nigger", "nigga", "faggot", "fag", "retard", "spic", "chink", "kike", "tranny",
	// harassment and self-harm
	"kill yourself", "kys", "go die", "hope you die", "neck yourself",
	// sexual
	"child porn", "send nudes", "dick pic",
	// extremism and threats
	"heil hitler", "white power", "bomb threat", "shoot up",
	// scams
	"free bitcoin", "crypto giveaway",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// FilterResult describes the first blocklist match in a text.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter matches text against a blocklist of words and phrases. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithExtra creates a Filter with the built-in blocklist plus extra.
func NewFilterWithExtra(extra []string) *Filter {
	terms := make([]string, 0, len(defaultTerms)+len(extra))
	terms = append(terms, defaultTerms...)
	terms = append(terms, extra...)
	return NewFilterWithTerms(terms)
}

// NewFilterWithTerms creates a Filter with exactly the given terms. Blank
// entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		parts := tokenizePlain(strings.ToLower(term))
		switch len(parts) {
		case 0:
		case 1:
			f.words[parts[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, parts)
		}
	}
	return f
}

// span is a token and its byte offsets in the original text.
type span struct {
	text       string
	start, end int
}

// Check reports the first blocklist match in text.
func (f *Filter) Check(text string) FilterResult {
	matches := f.match(text, true)
	if len(matches) == 0 {
		return FilterResult{}
	}
	return FilterResult{Blocked: true, Reason: ReasonProfanity, Term: matches[0].term}
}

// Censor replaces every matched token with asterisks, keeping whitespace
// between the words of a matched phrase. violation is true when anything was
// replaced.
func (f *Filter) Censor(text string) (censored string, violation bool) {
	matches := f.match(text, false)
	if len(matches) == 0 {
		return text, false
	}

	masked := make([]bool, len(text))
	for _, m := range matches {
		for i := m.start; i < m.end; i++ {
			masked[i] = true
		}
	}

	var b strings.Builder
	b.Grow(len(text))
	for i, r := range text {
		if masked[i] && !unicode.IsSpace(r) {
			b.WriteByte('*')
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), true
}

type match struct {
	term       string
	start, end int
}

// match finds blocklist hits over the plain tokenization and the leetspeak
// tokenization of text. With first set it stops at the first hit.
func (f *Filter) match(text string, first bool) []match {
	if text == "" {
		return nil
	}
	var out []match

	for _, tokens := range [][]span{plainSpans(text), leetSpans(text)} {
		for i, tok := range tokens {
			if _, ok := f.words[tok.text]; ok {
				out = append(out, match{term: tok.text, start: tok.start, end: tok.end})
				if first {
					return out
				}
			}
			for _, phrase := range f.phrases {
				if phraseAt(tokens, i, phrase) {
					last := tokens[i+len(phrase)-1]
					out = append(out, match{term: strings.Join(phrase, " "), start: tok.start, end: last.end})
					if first {
						return out
					}
				}
			}
		}
	}
	return out
}

func phraseAt(tokens []span, i int, phrase []string) bool {
	if i+len(phrase) > len(tokens) {
		return false
	}
	for j, word := range phrase {
		if tokens[i+j].text != word {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// plainSpans splits text into lowercase runs of letters and digits.
func plainSpans(text string) []span {
	var (
		out   []span
		start = -1
	)
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, span{text: strings.ToLower(text[start:i]), start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, span{text: strings.ToLower(text[start:]), start: start, end: len(text)})
	}
	return out
}

// leetSpans splits text on whitespace, trims punctuation that is not a leet
// substitute and folds the substitutes back to letters. A trailing '!' is
// read as punctuation.
func leetSpans(text string) []span {
	var (
		out   []span
		start = -1
	)
	flush := func(end int) {
		raw := text[start:end]
		trimmedLeft := strings.TrimLeftFunc(raw, isTrimmable)
		trimmed := strings.TrimRightFunc(trimmedLeft, func(r rune) bool {
			return r == '!' || isTrimmable(r)
		})
		if trimmed == "" {
			return
		}
		s := start + len(raw) - len(trimmedLeft)
		out = append(out, span{text: normalizeLeet(trimmed), start: s, end: s + len(trimmed)})
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				flush(i)
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		flush(len(text))
	}
	return out
}

func isTrimmable(r rune) bool {
	if _, ok := leetMap[r]; ok {
		return false
	}
	return !isWordRune(r)
}

func tokenizePlain(text string) []string {
	spans := plainSpans(text)
	if len(spans) == 0 {
		return nil
	}
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.text
	}
	return out
}

// normalizeLeet lowercases s and folds leet substitutes into letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if mapped, ok := leetMap[r]; ok {
			return mapped
		}
		return unicode.ToLower(r)
	}, s)
}
