package conversation

import (
	"regexp"
	"strconv"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
)

var numeric = regexp.MustCompile(`^[+-]?\d+([.,]\d+)?$`)

// parseQuantity classifies a turn received while a quantity is pending.
// ok is false for non-numeric text, which supersedes the pending request.
// Numeric text that is not a positive whole number returns an error.
func parseQuantity(text string) (qty int, ok bool, err error) {
	if !numeric.MatchString(text) {
		return 0, false, nil
	}
	n, convErr := strconv.Atoi(text)
	if convErr != nil {
		return 0, true, safety.ErrInvalidQuantity
	}
	if err := safety.ValidateQuantity(n); err != nil {
		return 0, true, err
	}
	return n, true, nil
}
