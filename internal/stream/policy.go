package stream

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// DefaultPrefixLen is how many leading characters two messages must
	// share (in either direction) to be considered the same message.
	DefaultPrefixLen = 50
	// DefaultSimilarityThreshold is the normalized edit-distance
	// similarity above which two messages are considered duplicates.
	DefaultSimilarityThreshold = 0.95
)

// Policy is the explicit, tunable duplicate-suppression heuristic used
// to recognize a discrete message that repeats an already finalized
// stream. It trades false positives against false negatives, so every
// knob is configurable and the policy is testable in isolation.
type Policy struct {
	// PrefixLen is the prefix-match length. Zero disables prefix matching.
	PrefixLen int
	// SimilarityThreshold enables fuzzy matching when > 0: messages
	// whose similarity ratio meets the threshold are duplicates.
	SimilarityThreshold float64
}

// DefaultPolicy returns the policy with default tuning.
func DefaultPolicy() Policy {
	return Policy{
		PrefixLen:           DefaultPrefixLen,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

// IsDuplicate reports whether incoming repeats previous. previous is
// the most recently finalized content for the same role; an empty
// previous never matches.
func (p Policy) IsDuplicate(incoming, previous string) bool {
	if previous == "" || incoming == "" {
		return false
	}
	if incoming == previous {
		return true
	}
	if p.PrefixLen > 0 {
		// Prefix match in both directions absorbs minor trailing
		// formatting differences between the two delivery paths.
		if strings.HasPrefix(incoming, head(previous, p.PrefixLen)) ||
			strings.HasPrefix(previous, head(incoming, p.PrefixLen)) {
			return true
		}
	}
	if normalize(incoming) == normalize(previous) {
		return true
	}
	if p.SimilarityThreshold > 0 && similarity(incoming, previous) >= p.SimilarityThreshold {
		return true
	}
	return false
}

// MessageKey builds the per-turn identity key for a processed message.
func MessageKey(role, content string) string {
	return role + ":" + head(content, DefaultPrefixLen)
}

// head returns the first n bytes of s, or all of s if shorter.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// normalize lowercases and collapses runs of whitespace so formatting
// differences do not defeat duplicate detection.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity returns a ratio in [0,1]: 1 means identical, 0 means no
// overlap. Computed from the Levenshtein distance of the diff.
func similarity(a, b string) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1 - float64(dist)/float64(longest)
}
