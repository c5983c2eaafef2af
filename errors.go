package ronin

import "errors"

// Error taxonomy for the Ronin client. REST and transport failures surface to
// callers as wrapped sentinel errors; malformed push payloads are the one
// category that is dropped (and logged) instead of returned.
var (
	// ErrInvalidURL means the server URL could not be parsed.
	ErrInvalidURL = errors.New("ronin: invalid server url")

	// ErrInvalidCredentials means the username/password pair was rejected.
	ErrInvalidCredentials = errors.New("ronin: invalid credentials")

	// ErrUserNotFound means the server does not know the user.
	ErrUserNotFound = errors.New("ronin: user not found")

	// ErrNetworkUnreachable means the server could not be reached at all.
	ErrNetworkUnreachable = errors.New("ronin: network unreachable")

	// ErrAuthInvalid means the session can no longer be refreshed. This is
	// terminal: the caller must force a re-login. An expired access token
	// never surfaces on its own: the client refreshes and replays once, so
	// callers only ever see the terminal case.
	ErrAuthInvalid = errors.New("ronin: session invalid, re-login required")

	// ErrMalformedPayload means a server payload failed strict decoding.
	ErrMalformedPayload = errors.New("ronin: malformed payload")

	// ErrNotFound means the addressed resource does not exist (anymore).
	ErrNotFound = errors.New("ronin: not found")

	// ErrTimeout means an acked socket exchange did not complete in time.
	// A timed-out send is a failure, never "delivered-unknown".
	ErrTimeout = errors.New("ronin: ack timeout")

	// ErrNotConnected means the push channel is not currently established.
	ErrNotConnected = errors.New("ronin: not connected")
)
