package relay

import "errors"

// Normalized hardware error codes. Callers match with errors.Is; the API
// layer maps them onto HTTP statuses.
var (
	ErrInvalidRange = errors.New("INVALID_RANGE")
	ErrBusy         = errors.New("BUSY")
	ErrUnavailable  = errors.New("UNAVAILABLE")
	ErrInternal     = errors.New("INTERNAL")
)
