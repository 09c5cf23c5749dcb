/*
member.go - Member identity and roster matching

PURPOSE:
  Members are resolved, never created, by the engine. Import rows carry a
  name string and sometimes an employee PIN; this file turns those into a
  MemberID or an explicit unmatched verdict.

MATCHING ORDER:
  1. Exact PIN match against the division roster (stable identifier).
  2. Fuzzy name match: normalized bigram similarity with a decimal score.
     Exactly one member at or above the threshold is a match; zero or
     several leave the row unmatched for human resolution.

WHY DECIMAL SCORES:
  Scores are compared against a configured threshold and against each
  other to build the ambiguous-candidates list. decimal keeps those
  comparisons exact across platforms; float drift near the threshold
  would flip verdicts between runs.

SEE ALSO:
  - normalize.go: Calls the matcher per import row
  - roster/: Directory implementations that supply the member pool
*/
package reconcile

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Member is one person eligible to request leave. SeniorityDate feeds the
// seniority ordering policy; it is not used for identity.
type Member struct {
	ID            MemberID
	PIN           string
	Name          string
	Division      string
	SeniorityDate Date
}

// =============================================================================
// NAME MATCHER
// =============================================================================

// DefaultMatchThreshold is the bigram similarity a lone candidate must
// reach to count as a match.
var DefaultMatchThreshold = decimal.RequireFromString("0.72")

// NameMatcher resolves raw identity fields against a roster pool.
type NameMatcher struct {
	Threshold decimal.Decimal
}

func NewNameMatcher() NameMatcher {
	return NameMatcher{Threshold: DefaultMatchThreshold}
}

// ScoredMember pairs a roster member with its similarity to the raw name.
type ScoredMember struct {
	Member Member
	Score  decimal.Decimal
}

// MatchOutcome is the verdict for one row. Exactly one of Member set
// (matched) or not: zero hits leaves Candidates empty, an ambiguous match
// lists every member at or above the threshold.
type MatchOutcome struct {
	Member     *Member
	Score      decimal.Decimal
	Candidates []ScoredMember
}

func (o MatchOutcome) Matched() bool { return o.Member != nil }

// Match resolves a raw PIN/name pair against the pool.
func (m NameMatcher) Match(rawPIN, rawName string, pool []Member) MatchOutcome {
	threshold := m.Threshold
	if threshold.IsZero() {
		threshold = DefaultMatchThreshold
	}

	// 1. Stable identifier first.
	if pin := strings.TrimSpace(rawPIN); pin != "" {
		for i := range pool {
			if pool[i].PIN != "" && pool[i].PIN == pin {
				return MatchOutcome{Member: &pool[i], Score: decimal.NewFromInt(1)}
			}
		}
	}

	// 2. Fuzzy name match.
	target := normalizeName(rawName)
	if target == "" {
		return MatchOutcome{}
	}

	var hits []ScoredMember
	for i := range pool {
		score := similarity(target, normalizeName(pool[i].Name))
		if score.GreaterThanOrEqual(threshold) {
			hits = append(hits, ScoredMember{Member: pool[i], Score: score})
		}
	}

	switch len(hits) {
	case 0:
		return MatchOutcome{}
	case 1:
		return MatchOutcome{Member: &hits[0].Member, Score: hits[0].Score}
	default:
		// Several plausible members: the row stays unmatched and the UI
		// shows the candidates, best first.
		sort.Slice(hits, func(i, j int) bool {
			if !hits[i].Score.Equal(hits[j].Score) {
				return hits[i].Score.GreaterThan(hits[j].Score)
			}
			return hits[i].Member.ID < hits[j].Member.ID
		})
		return MatchOutcome{Candidates: hits}
	}
}

// normalizeName lowercases, flips "Last, First" to "first last", strips
// punctuation, and collapses whitespace.
func normalizeName(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, ","); i >= 0 {
		s = strings.TrimSpace(s[i+1:]) + " " + strings.TrimSpace(s[:i])
	}
	var b strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// similarity is the Sørensen–Dice coefficient over character bigrams,
// computed with decimal division.
func similarity(a, b string) decimal.Decimal {
	if a == "" || b == "" {
		return decimal.Zero
	}
	if a == b {
		return decimal.NewFromInt(1)
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return decimal.Zero
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	common := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			common++
		}
	}
	return decimal.NewFromInt(int64(2 * common)).
		Div(decimal.NewFromInt(int64(len(ba) + len(bb))))
}

func bigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	grams := make([]string, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		grams = append(grams, string(runes[i:i+2]))
	}
	return grams
}
