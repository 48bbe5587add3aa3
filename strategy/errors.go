package strategy

import "fmt"

// ErrUnknownMatcher reports a custom strategy naming a matcher that was
// never registered on the library.
type ErrUnknownMatcher struct {
	Name string
}

func (e *ErrUnknownMatcher) Error() string {
	return fmt.Sprintf("strategy: no custom matcher registered as %q", e.Name)
}
