// Package vocab corrects finalized dictation transcripts against a known
// vocabulary of domain terms (product names, jargon, proper nouns) that
// speech recognition habitually mangles.
//
// Matching proceeds in two stages per candidate window:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for the spoken
//     tokens and for each vocabulary term. A term is a phonetic candidate
//     when any code overlaps.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the term with the
//     highest similarity wins, provided it clears the phonetic threshold.
//     When no candidate overlaps phonetically, a stricter pure-similarity
//     fallback threshold applies.
//
// Multi-word terms ("Parley Cloud Console") are handled by sliding n-gram
// windows over the transcript, longest window first, so full-phrase matches
// take precedence over partial single-word ones.
package vocab

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one replacement the corrector made.
type Correction struct {
	// Heard is the transcript window that was replaced.
	Heard string

	// Term is the vocabulary term it was replaced with, original casing.
	Term string

	// Score is the Jaro-Winkler similarity that selected the term.
	Score float64
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity required for a
// phonetically overlapping term to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity required when no term
// overlaps phonetically and pure string similarity decides. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// term is one prepared vocabulary entry. Codes and tokens are computed once
// at construction.
type term struct {
	display string
	lower   string
	tokens  []string
	codes   map[string]struct{}
}

// Corrector rewrites transcripts against a fixed vocabulary. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares a Corrector for the given vocabulary. Blank terms are
// dropped. A Corrector over an empty vocabulary is valid and returns every
// transcript unchanged.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, raw := range vocabulary {
		display := strings.TrimSpace(raw)
		if display == "" {
			continue
		}
		lower := strings.ToLower(display)
		tokens := strings.Fields(lower)
		c.terms = append(c.terms, term{
			display: display,
			lower:   lower,
			tokens:  tokens,
			codes:   codesFor(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Empty reports whether the corrector has no vocabulary to match against.
func (c *Corrector) Empty() bool {
	return len(c.terms) == 0
}

// Correct rewrites text, replacing windows that match a vocabulary term.
// It returns the corrected text and the replacements made, in transcript
// order. Unmatched text passes through untouched, including its spacing
// collapsed to single spaces.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(c.terms) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			t, score, ok := c.match(window)
			if !ok {
				continue
			}

			// A window identical to the term needs no rewrite and no record.
			if strings.ToLower(window) == t.lower {
				out = append(out, strings.Fields(window)...)
			} else {
				out = append(out, strings.Fields(t.display)...)
				corrections = append(corrections, Correction{
					Heard: window,
					Term:  t.display,
					Score: score,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// match finds the vocabulary term most similar to window, applying the
// phonetic threshold to phonetically overlapping terms and the stricter
// fuzzy threshold to the rest. Phonetic candidates always outrank pure
// similarity ones.
func (c *Corrector) match(window string) (term, float64, bool) {
	windowLower := strings.ToLower(window)
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesFor(windowTokens)

	var (
		best         term
		bestScore    float64
		bestPhonetic bool
		found        bool
	)

	for _, t := range c.terms {
		phonetic := codesOverlap(windowCodes, t.codes)
		score := similarity(windowTokens, t.tokens, windowLower, t.lower)

		if phonetic {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic, found = t, score, true, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				best, bestScore, found = t, score, true
			}
		}
	}

	return best, bestScore, found
}

// codesFor returns the union of Double Metaphone codes for the tokens.
// Tokens too short to encode contribute nothing.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity computes the best Jaro-Winkler score between a spoken window
// and a term, trying the full strings, the space-stripped strings, and the
// best pairwise token score. The latter two help when the recognizer splits
// or merges words ("parlay cloud" vs "ParleyCloud").
func similarity(windowTokens, termTokens []string, windowFull, termFull string) float64 {
	score := matchr.JaroWinkler(windowFull, termFull, false)

	if len(windowTokens) > 1 || len(termTokens) > 1 {
		joined := strings.Join(windowTokens, "")
		joinedTerm := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(joined, joinedTerm, false); s > score {
			score = s
		}
	}

	for _, wt := range windowTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(wt, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}
