package voicecmd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultFuzzyThreshold is the Jaro-Winkler score a spoken name needs to
	// match an agent name without phonetic support.
	DefaultFuzzyThreshold = 0.85

	// phoneticFloor is the Jaro-Winkler score a phonetically matching name
	// still needs.
	phoneticFloor = 0.70
)

// MatchKind tells how a spoken name was resolved.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchFuzzy
	MatchPhonetic
)

// String returns the match kind name used in logs.
func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchFuzzy:
		return "fuzzy"
	case MatchPhonetic:
		return "phonetic"
	default:
		return "none"
	}
}

// Resolver maps spoken agent names onto configured ones. Speech recognisers
// rarely spell project names the way they are configured ("front end" for
// "frontend", "back and" for "backend"), so resolution tries in turn an
// exact match ignoring case and separators, a Jaro-Winkler match of at
// least the fuzzy threshold, and a Double Metaphone match.
//
// A Resolver is immutable and safe for concurrent use.
type Resolver struct {
	threshold float64
}

// NewResolver returns a Resolver with the given fuzzy threshold. A threshold
// outside (0, 1] selects [DefaultFuzzyThreshold].
func NewResolver(threshold float64) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	return &Resolver{threshold: threshold}
}

// Resolve returns the agent spoken refers to.
func (r *Resolver) Resolve(spoken string, agents []string) (name string, kind MatchKind, score float64) {
	spokenTokens := strings.Fields(normalize(spoken))
	if len(spokenTokens) == 0 {
		return "", MatchNone, 0
	}
	spokenJoined := strings.Join(spokenTokens, "")

	for _, a := range agents {
		if strings.Join(strings.Fields(normalize(a)), "") == spokenJoined {
			return a, MatchExact, 1
		}
	}

	var (
		bestFuzzy, bestPhonetic           string
		bestFuzzyScore, bestPhoneticScore float64
	)
	spokenCodes := codesForTokens(spokenTokens, spokenJoined)
	for _, a := range agents {
		agentTokens := strings.Fields(normalize(a))
		if len(agentTokens) == 0 {
			continue
		}
		s := bestJWScore(spokenTokens, agentTokens)
		if s >= r.threshold && s > bestFuzzyScore {
			bestFuzzy, bestFuzzyScore = a, s
		}
		agentCodes := codesForTokens(agentTokens, strings.Join(agentTokens, ""))
		if s >= phoneticFloor && s > bestPhoneticScore && codesOverlap(spokenCodes, agentCodes) {
			bestPhonetic, bestPhoneticScore = a, s
		}
	}
	if bestFuzzy != "" {
		return bestFuzzy, MatchFuzzy, bestFuzzyScore
	}
	if bestPhonetic != "" {
		return bestPhonetic, MatchPhonetic, bestPhoneticScore
	}
	return "", MatchNone, 0
}

// normalize lowercases s and turns separators into spaces.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ',', '!', '?', ';', ':', '"', '\'':
			return ' '
		}
		return r
	}, strings.ToLower(s))
}

// codesForTokens returns the union of the Double Metaphone codes of tokens
// and joined.
func codesForTokens(tokens []string, joined string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2+2)
	for _, t := range append([]string{joined}, tokens...) {
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

// bestJWScore is the highest Jaro-Winkler similarity among the full phrases,
// the phrases with spaces removed, and for single-word agent names, each
// spoken token against the name.
func bestJWScore(spoken, agent []string) float64 {
	score := matchr.JaroWinkler(strings.Join(spoken, " "), strings.Join(agent, " "), false)
	if s := matchr.JaroWinkler(strings.Join(spoken, ""), strings.Join(agent, ""), false); s > score {
		score = s
	}
	if len(agent) == 1 {
		for _, t := range spoken {
			if s := matchr.JaroWinkler(t, agent[0], false); s > score {
				score = s
			}
		}
	}
	return score
}
