package registry

import "jobmill/internal/state"

// ErrNotFound aliases the store sentinel so callers only need one check.
var ErrNotFound = state.ErrNotFound

// ValidationError marks caller mistakes (bad manifest, bad inputs,
// rejected URL). The HTTP layer maps it to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
