// Package emergency intercepts life-threatening phrases in user turns before
// any other component sees them. Detection is local and synchronous; it never
// makes a network call.
package emergency

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultKeywords are the red-flag phrases matched out of the box.
var DefaultKeywords = []string{
	"chest pain",
	"difficulty breathing",
	"breathing difficulty",
	"can't breathe",
	"cannot breathe",
	"not breathing",
	"heart attack",
	"stroke",
	"poison",
	"severe bleeding",
	"bleeding",
	"overdose",
	"unconscious",
	"allergic reaction",
	"anaphylaxis",
}

// Advice is shown alongside every interrupt.
const Advice = "This sounds like a medical emergency. AI agents are not equipped to handle life-threatening situations. Please contact emergency services or go to the nearest hospital immediately."

// Detector matches utterances against a fixed keyword list.
type Detector struct {
	keywords []string
}

// NewDetector builds a detector from DefaultKeywords plus any extra phrases.
// Matching is case-insensitive; longer phrases are tried first so the most
// specific keyword is reported.
func NewDetector(extra ...string) *Detector {
	seen := make(map[string]bool)
	var kws []string
	for _, k := range append(append([]string{}, DefaultKeywords...), extra...) {
		k = normalize(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		kws = append(kws, k)
	}
	sort.SliceStable(kws, func(i, j int) bool { return len(kws[i]) > len(kws[j]) })
	return &Detector{keywords: kws}
}

// Scan returns the first red-flag keyword contained in text.
func (d *Detector) Scan(text string) (string, bool) {
	t := normalize(text)
	if t == "" {
		return "", false
	}
	for _, k := range d.keywords {
		if strings.Contains(t, k) {
			return k, true
		}
	}
	return "", false
}

func (d *Detector) Keywords() []string {
	out := make([]string, len(d.keywords))
	copy(out, d.keywords)
	return out
}

// normalize lowercases, folds typographic apostrophes and collapses
// whitespace so "Can’t  breathe" still matches.
func normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

// Interrupt records a suspended user turn. The turn is kept so it can be
// forwarded after the user acknowledges a false positive.
type Interrupt struct {
	Keyword  string    `json:"keyword"`
	TurnID   uuid.UUID `json:"turn_id"`
	Text     string    `json:"text"`
	Advice   string    `json:"advice"`
	RaisedAt time.Time `json:"raised_at"`
}

func NewInterrupt(keyword string, turnID uuid.UUID, text string) Interrupt {
	return Interrupt{
		Keyword:  keyword,
		TurnID:   turnID,
		Text:     text,
		Advice:   Advice,
		RaisedAt: time.Now().UTC(),
	}
}
