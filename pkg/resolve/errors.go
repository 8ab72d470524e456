package resolve

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch is returned when a lookup finds no candidate.
	ErrNoMatch = errors.New("no match found")
	// ErrAmbiguous is returned in RejectAmbiguous mode when several
	// candidates match.
	ErrAmbiguous = errors.New("ambiguous match")
	// ErrUnknownType is returned for resource types without a lookup.
	ErrUnknownType = errors.New("unknown resource type")
)

// ResolveError reports a failed resolution of Value as Type.
type ResolveError struct {
	Value string
	Type  ResourceType
	Err   error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving %s %q: %v", e.Type, e.Value, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
