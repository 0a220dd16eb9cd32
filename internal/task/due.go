package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = newDueParser()

func newDueParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseDue turns user input into a calendar date. It accepts YYYY-MM-DD and
// natural language ("tomorrow", "next friday", "in 3 days") relative to now.
// Empty input means no due date.
func ParseDue(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if d, err := time.Parse(DateLayout, input); err == nil {
		return d.Format(DateLayout), nil
	}

	r, err := dueParser.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse due date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("%w: cannot understand due date %q", ErrInvalid, input)
	}
	return r.Time.Format(DateLayout), nil
}
