package selector

import "fmt"

// ErrNotFound is returned when a named selector does not exist in the
// registry.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("selector: not found: %s", e.Name)
}

// ErrInvalid is returned when a selector definition fails admission
// validation.
type ErrInvalid struct {
	Name   string
	Reason string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("selector: invalid definition %q: %s", e.Name, e.Reason)
}

// ErrStrategyNotFound is returned when a mutation names a strategy ID the
// selector does not carry.
type ErrStrategyNotFound struct {
	Selector string
	Strategy string
}

func (e *ErrStrategyNotFound) Error() string {
	return fmt.Sprintf("selector: %s has no strategy %s", e.Selector, e.Strategy)
}

// ErrStrategyPinned is returned when an automated mutation targets a pinned
// strategy. Manual pin always wins over evolution.
type ErrStrategyPinned struct {
	Selector string
	Strategy string
}

func (e *ErrStrategyPinned) Error() string {
	return fmt.Sprintf("selector: strategy %s on %s is pinned", e.Strategy, e.Selector)
}

// ErrSchemaVersion is returned when stored definitions were written by a
// newer format than this build understands.
type ErrSchemaVersion struct {
	Found int
}

func (e *ErrSchemaVersion) Error() string {
	return fmt.Sprintf("selector: stored schema version %d is newer than supported %d", e.Found, SchemaVersion)
}
