package safety

import (
	"sort"
	"strings"
)

// DefaultRestrictedDrugs are controlled substances that always need a
// prescription on file before they are discussed with the responder.
var DefaultRestrictedDrugs = []string{
	"oxycodone",
	"adderall",
	"xanax",
	"tramadol",
	"ambien",
	"valium",
	"percocet",
	"morphine",
	"fentanyl",
	"ritalin",
	"klonopin",
}

// RestrictedList spots controlled drug names in free text so the
// prescription flow can open before any chat call is made.
type RestrictedList struct {
	drugs []string
}

// NewRestrictedList builds a list from DefaultRestrictedDrugs plus extra.
func NewRestrictedList(extra ...string) *RestrictedList {
	seen := make(map[string]bool)
	var drugs []string
	for _, d := range append(append([]string{}, DefaultRestrictedDrugs...), extra...) {
		d = strings.ToLower(strings.Join(strings.Fields(d), " "))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		drugs = append(drugs, d)
	}
	sort.SliceStable(drugs, func(i, j int) bool { return len(drugs[i]) > len(drugs[j]) })
	return &RestrictedList{drugs: drugs}
}

// Match returns the first restricted drug named in text.
func (r *RestrictedList) Match(text string) (string, bool) {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if t == "" {
		return "", false
	}
	for _, d := range r.drugs {
		if strings.Contains(t, d) {
			return d, true
		}
	}
	return "", false
}

func (r *RestrictedList) Drugs() []string {
	out := make([]string, len(r.drugs))
	copy(out, r.drugs)
	return out
}
