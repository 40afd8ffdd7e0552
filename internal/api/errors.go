package api

import (
	"errors"
	"net/http"

	"github.com/locker-control/lcc/internal/command"
	"github.com/locker-control/lcc/internal/locker"
	"github.com/locker-control/lcc/internal/relay"
	"github.com/locker-control/lcc/internal/session"
)

// WriteDomainError maps domain sentinels to HTTP statuses and writes the
// error envelope. Unknown errors become 500 INTERNAL without leaking the
// original message to the client.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, locker.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Locker not found", nil)
	case errors.Is(err, locker.ErrOwnerMismatch):
		WriteError(w, http.StatusConflict, "CONFLICT", "Locker is held by another identity", nil)
	case errors.Is(err, locker.ErrConflict):
		WriteError(w, http.StatusConflict, "CONFLICT", "Concurrent update, please retry", nil)
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrSessionMismatch):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "No matching selection session", nil)
	case errors.Is(err, session.ErrSessionExpired):
		WriteError(w, http.StatusBadRequest, "SESSION_EXPIRED", "Selection window elapsed, scan again", nil)
	case errors.Is(err, session.ErrLockerNotOffered):
		WriteError(w, http.StatusBadRequest, "NOT_OFFERED", "Locker was not offered in this session", nil)
	case errors.Is(err, command.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Command not found", nil)
	case errors.Is(err, command.ErrNotCancellable):
		WriteError(w, http.StatusConflict, "CONFLICT", "Command already started", nil)
	case errors.Is(err, relay.ErrInvalidRange):
		WriteError(w, http.StatusBadRequest, "INVALID_RANGE", "Locker is outside the configured zones", nil)
	case errors.Is(err, relay.ErrBusy):
		WriteError(w, http.StatusServiceUnavailable, "BUSY", "Hardware is busy, retry with backoff", nil)
	case errors.Is(err, relay.ErrUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Hardware is unavailable", nil)
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}
}
