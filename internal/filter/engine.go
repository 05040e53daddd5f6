// Package filter implements the keyword matching engine.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"mention_radar/internal/embedding"
	"mention_radar/internal/model"
)

// MaxPatternLength bounds user-supplied regular expressions.
const MaxPatternLength = 512

// DefaultThreshold is the minimum cosine similarity, exclusive, for a
// semantic match.
const DefaultThreshold = 0.3

// Item is the text and optional embedding a keyword is evaluated against.
type Item struct {
	Text   string
	Vector []float64
}

// ItemText joins the title and body of a content item for lexical matching.
func ItemText(title, body string) string {
	return strings.TrimSpace(title + " " + body)
}

// QueryText is the text embedded for a semantic keyword.
func QueryText(keyword string) string {
	return "user is interested in topic: " + keyword
}

// Matcher evaluates keywords against items.
type Matcher struct {
	embedder  embedding.Embedder
	threshold float64
	log       *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewMatcher creates a Matcher. Query embeddings are cached per keyword. A
// nil embedder makes every semantic keyword non-relevant.
func NewMatcher(embedder embedding.Embedder, threshold float64, log *slog.Logger) *Matcher {
	m := &Matcher{
		threshold: threshold,
		log:       log.With("component", "matcher"),
		patterns:  make(map[string]*regexp.Regexp),
	}
	if embedder != nil {
		m.embedder = embedding.NewCache(embedder)
	}
	return m
}

// Match evaluates one keyword against one item. Lexical matches score 1;
// semantic matches score the cosine similarity.
func (m *Matcher) Match(ctx context.Context, k model.Keyword, item Item) (float64, bool) {
	switch k.ExpressionType {
	case model.ExpressionExact, model.ExpressionContains, model.ExpressionRegex:
		re := m.compile(k.ExpressionType, k.Pattern)
		if re == nil || !re.MatchString(item.Text) {
			return 0, false
		}
		return 1, true
	case model.ExpressionSemantic:
		return m.semantic(ctx, k.Pattern, item.Vector)
	}
	return 0, false
}

// MatchAll evaluates every keyword and returns the match records of the
// relevant ones.
func (m *Matcher) MatchAll(ctx context.Context, keywords []model.Keyword, item Item) []model.Match {
	var matches []model.Match
	for _, k := range keywords {
		if score, ok := m.Match(ctx, k, item); ok {
			matches = append(matches, model.Match{Keyword: k.Pattern, Score: score})
		}
	}
	return matches
}

func (m *Matcher) semantic(ctx context.Context, keyword string, vector []float64) (float64, bool) {
	if m.embedder == nil || len(vector) == 0 {
		return 0, false
	}
	query, err := m.embedder.Embed(ctx, QueryText(keyword))
	if err != nil {
		m.log.Warn("embed keyword failed", "keyword", keyword, "error", err)
		return 0, false
	}
	sim := Cosine(query, vector)
	if sim > m.threshold {
		return sim, true
	}
	return 0, false
}

// compile returns the cached pattern for a keyword, or nil when the pattern
// is empty or invalid.
func (m *Matcher) compile(t model.ExpressionType, pattern string) *regexp.Regexp {
	key := string(t) + "\x00" + pattern

	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.patterns[key]; ok {
		return re
	}

	expr, err := Expression(t, pattern)
	var re *regexp.Regexp
	if err == nil {
		re, err = regexp.Compile(expr)
	}
	if err != nil {
		m.log.Warn("skipping keyword with invalid pattern", "pattern", pattern, "type", t, "error", err)
	}
	m.patterns[key] = re
	return re
}

// Expression builds the regular expression for a lexical keyword. Exact and
// contains patterns are escaped and case-insensitive; regex patterns are used
// as written.
func Expression(t model.ExpressionType, pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", fmt.Errorf("empty pattern")
	}
	switch t {
	case model.ExpressionExact:
		return `(?i)` + leftEdge(pattern) + regexp.QuoteMeta(pattern) + rightEdge(pattern), nil
	case model.ExpressionContains:
		terms := strings.Fields(pattern)
		for i, term := range terms {
			terms[i] = regexp.QuoteMeta(term)
		}
		return `(?i)(?:` + strings.Join(terms, "|") + `)`, nil
	case model.ExpressionRegex:
		if len(pattern) > MaxPatternLength {
			return "", fmt.Errorf("pattern longer than %d characters", MaxPatternLength)
		}
		return pattern, nil
	}
	return "", fmt.Errorf("%q is not a lexical expression type", t)
}

// leftEdge and rightEdge anchor an exact phrase. \b only holds next to a word
// character, so phrases such as "C++" or ".NET" are bounded by a non-word
// character or the end of the text instead.
func leftEdge(pattern string) string {
	if isWordByte(pattern[0]) {
		return `\b`
	}
	return `(?:^|\W)`
}

func rightEdge(pattern string) string {
	if isWordByte(pattern[len(pattern)-1]) {
		return `\b`
	}
	return `(?:\W|$)`
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// ValidateRegex checks whether a pattern is an acceptable regular expression.
func ValidateRegex(pattern string) error {
	expr, err := Expression(model.ExpressionRegex, pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	if _, err := regexp.Compile(expr); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either norm is
// zero or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
