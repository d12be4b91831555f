package protocol

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	// DefaultTipHistory is the number of tips a [TipHistory] retains.
	DefaultTipHistory = 5

	// soundsLikeThreshold is the minimum Jaro-Winkler score for two
	// phonetically overlapping words to count as the same word.
	soundsLikeThreshold = 0.70
)

// TipHistory is a bounded, most-recent-last list of pronunciation tips.
// It is safe for concurrent use.
type TipHistory struct {
	mu   sync.Mutex
	max  int
	tips []PronunciationTip
}

// NewTipHistory creates a history retaining the last n tips. Non-positive n
// selects [DefaultTipHistory].
func NewTipHistory(n int) *TipHistory {
	if n <= 0 {
		n = DefaultTipHistory
	}
	return &TipHistory{max: n, tips: make([]PronunciationTip, 0, n)}
}

// Add appends tip, evicting the oldest entry when full.
func (h *TipHistory) Add(tip PronunciationTip) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tips) == h.max {
		copy(h.tips, h.tips[1:])
		h.tips = h.tips[:h.max-1]
	}
	h.tips = append(h.tips, tip)
}

// Recent returns a copy of the retained tips, oldest first.
func (h *TipHistory) Recent() []PronunciationTip {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PronunciationTip, len(h.tips))
	copy(out, h.tips)
	return out
}

// Len returns the number of retained tips.
func (h *TipHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tips)
}

// Clear drops all retained tips.
func (h *TipHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tips = h.tips[:0]
}

// Find returns the most recent retained tip whose word sounds like word, as
// decided by Double Metaphone overlap and Jaro-Winkler similarity. This lets
// a transcript of the user's retry ("nucular") be matched against the tip
// for the word they were practicing ("nuclear").
func (h *TipHistory) Find(word string) (PronunciationTip, bool) {
	word = strings.ToLower(cleanWord(word))
	if word == "" {
		return PronunciationTip{}, false
	}
	codes := metaphoneCodes(word)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.tips) - 1; i >= 0; i-- {
		if soundsLike(word, codes, strings.ToLower(h.tips[i].Word)) {
			return h.tips[i], true
		}
	}
	return PronunciationTip{}, false
}

// soundsLike reports whether candidate is the same spoken word as word.
func soundsLike(word string, codes map[string]struct{}, candidate string) bool {
	if word == candidate {
		return true
	}
	overlap := false
	for c := range metaphoneCodes(candidate) {
		if _, ok := codes[c]; ok {
			overlap = true
			break
		}
	}
	return overlap && matchr.JaroWinkler(word, candidate, false) >= soundsLikeThreshold
}

// phoneticKey returns the primary Double Metaphone code of a tip word.
func phoneticKey(word string) string {
	primary, _ := matchr.DoubleMetaphone(strings.ToLower(word))
	return primary
}

// metaphoneCodes returns the non-empty Double Metaphone codes of every token
// in s.
func metaphoneCodes(s string) map[string]struct{} {
	tokens := strings.Fields(s)
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, alt := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if alt != "" {
			codes[alt] = struct{}{}
		}
	}
	return codes
}
