package domain

import "errors"

var (
	// ErrConflict: start requested while a session is already open.
	ErrConflict = errors.New("session already open")
	// ErrNotFound: operation needs a session and there is none.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidState: illegal lifecycle transition for the current status.
	ErrInvalidState = errors.New("invalid session state")
	// ErrStore: durable store read or write failed.
	ErrStore = errors.New("store failure")
	// ErrRemoteSync: backend hand-off failed.
	ErrRemoteSync = errors.New("remote sync failure")
)

// Code maps an error to the stable code used on the command surface.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrStore):
		return "STORE_ERROR"
	case errors.Is(err, ErrRemoteSync):
		return "REMOTE_SYNC_ERROR"
	}
	return "INTERNAL"
}
