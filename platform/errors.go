package platform

import "errors"

// Connect-time failure taxonomy. These are expected conditions for channels
// the crawler probes speculatively, so callers should not log them at error
// severity.
var (
	// ErrChannelNotFound means the channel identifier resolved to nothing.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelNotLive means the channel exists but has no live broadcast,
	// so there is no chat room to join.
	ErrChannelNotLive = errors.New("channel not live")

	// ErrConnectTimeout means the handshake did not complete within the
	// connect window.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrClosed means the adapter was already disconnected by its caller.
	ErrClosed = errors.New("adapter closed")
)

// IsFatalConnect reports whether a connect error should not be retried for
// this call. Both conditions are expected, not exceptional.
func IsFatalConnect(err error) bool {
	return errors.Is(err, ErrChannelNotFound) || errors.Is(err, ErrChannelNotLive)
}
