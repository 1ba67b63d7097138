package rooms

import "errors"

var (
	// ErrNotFound reports that no room exists under the requested id.
	ErrNotFound = errors.New("room not found")

	// ErrUnavailable reports that the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalid wraps bad or missing caller input.
	ErrInvalid = errors.New("invalid request")
)
