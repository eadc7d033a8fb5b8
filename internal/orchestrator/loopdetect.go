package orchestrator

import "strings"

// Loop detection window: a loop is declared when the K most recent
// assistant messages all resemble the oldest one in the window.
const (
	loopWindowK     = 5
	loopWindowSlack = 2
)

// loopDetector watches a session's assistant prose for repetition. It is
// owned by a single pump goroutine, so it needs no locking.
type loopDetector struct {
	threshold float64
	window    []string
}

func newLoopDetector(threshold float64) *loopDetector {
	return &loopDetector{threshold: threshold}
}

// Observe records one assistant text message and reports whether the
// session is looping: every message in the K-window is more similar to the
// first than the threshold.
func (d *loopDetector) Observe(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	d.window = append(d.window, text)
	if len(d.window) > loopWindowK+loopWindowSlack {
		d.window = d.window[len(d.window)-(loopWindowK+loopWindowSlack):]
	}
	if len(d.window) < loopWindowK {
		return false
	}

	recent := d.window[len(d.window)-loopWindowK:]
	first := wordSet(recent[0])
	for _, msg := range recent[1:] {
		if wordSetSimilarity(first, wordSet(msg)) <= d.threshold {
			return false
		}
	}
	return true
}

// Reset clears the window, used after a loop fires.
func (d *loopDetector) Reset() {
	d.window = nil
}

// wordSet folds a message into its set of significant words. Words of one
// or two characters carry no signal and are dropped.
func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}`")
		if len(w) <= 2 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// wordSetSimilarity is |a ∩ b| / max(|a|, |b|).
func wordSetSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(large))
}
