// Package matcher matches inbound text against curated
// preloaded replies matched by exact/prefix/keyword rules before any LLM
// call, refreshed on admin change via the bus's cache.invalidate event.
package matcher

import (
	"strings"
	"sync"
	"unicode"

	"github.com/chatrouter/gateway/internal/store"
)

// Rule is one matching entry, retaining its original insertion order for
// tie-breaking within a match class.
type Rule struct {
	Pattern string
	Content string
}

// Matcher holds the active configuration, swapped atomically on reload.
type Matcher struct {
	mu       sync.RWMutex
	exact    map[string]string
	prefixes []Rule
	keywords []Rule
}

// New creates an empty Matcher; call Reload to populate it.
func New() *Matcher {
	return &Matcher{exact: map[string]string{}}
}

// Reload replaces the active rule set from responses. Only entries with
// Active == true and MatchType ∈ {exact, prefix, keyword} participate;
// shortcut entries are agent-only and are not loaded here.
func (m *Matcher) Reload(responses []store.PreloadedResponse) {
	exact := make(map[string]string)
	var prefixes, keywords []Rule

	for _, r := range responses {
		if !r.Active {
			continue
		}
		switch r.MatchType {
		case store.MatchExact:
			exact[normalize(r.Pattern)] = r.Content
		case store.MatchPrefix:
			prefixes = append(prefixes, Rule{Pattern: normalize(r.Pattern), Content: r.Content})
		case store.MatchKeyword:
			keywords = append(keywords, Rule{Pattern: normalize(r.Pattern), Content: r.Content})
		}
	}

	m.mu.Lock()
	m.exact = exact
	m.prefixes = prefixes
	m.keywords = keywords
	m.mu.Unlock()
}

// Match returns the first matching reply for text, in order exact →
// prefix → keyword, or ok=false if nothing matches.
func (m *Matcher) Match(text string) (reply string, ok bool) {
	norm := normalize(text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if reply, ok := m.exact[norm]; ok {
		return reply, true
	}
	for _, r := range m.prefixes {
		if strings.HasPrefix(norm, r.Pattern) {
			return r.Content, true
		}
	}
	for _, r := range m.keywords {
		if strings.Contains(norm, r.Pattern) {
			return r.Content, true
		}
	}
	return "", false
}

// normalize strips punctuation, collapses whitespace, and lowercases —
// so "Hello!" and "hello" match the same rule across the
// exact/prefix/keyword tables.
func normalize(s string) string {
	var b strings.Builder
	lastWasSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		case unicode.IsPunct(r):
			// dropped
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
