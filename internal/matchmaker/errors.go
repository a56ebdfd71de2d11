package matchmaker

import "errors"

var (
	// ErrAlreadyMatched means the caller is currently paired and must leave
	// the room before requesting another match. Non-retryable without caller
	// action.
	ErrAlreadyMatched = errors.New("matchmaker: already matched")

	// ErrRoomProvisioning means the room provider failed after a successful
	// pairing claim. Both parties have been compensated back to idle and the
	// caller may retry.
	ErrRoomProvisioning = errors.New("matchmaker: room provisioning failed")
)
