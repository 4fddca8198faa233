package tcs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationFailed is returned when the remote host rejects the supplied
	// credentials or host key. It is terminal and never retried.
	// You can check for this error with errors.Is.
	ErrAuthenticationFailed = errors.New("authentication rejected by remote host")

	// ErrTransientNetwork is returned after connect/execute retries against a
	// transient network failure have been exhausted.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrTimeout is returned when a blocking operation exceeds its own timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionUnavailable is returned when a command was requested on an
	// unhealthy connection and the reconnect attempt also failed.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrPoolExhausted is returned when no pooled session became available within
	// the checkout timeout and the temporary fallback session could not be created.
	ErrPoolExhausted = errors.New("no session available")

	// ErrSessionInvalid is returned when a Session is used after release.
	ErrSessionInvalid = errors.New("session handle already released")

	// ErrSessionPoolClosed is returned when a session pool shutdown has been triggered.
	ErrSessionPoolClosed = errors.New("session pool closed")
)

// terminalMarkers are substrings found in x/crypto/ssh errors that indicate the
// remote host rejected our identity. Retrying these wastes round trips against a
// credential or host key that will never be accepted.
var terminalMarkers = []string{
	"unable to authenticate",
	"no supported methods remain",
	"knownhosts:",
	"host key",
}

// classifyConnectError wraps a dial/handshake error as terminal (authentication or
// host-key rejection) or transient (timeout, refusal, transport failure).
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
}

// isTerminalConnectError reports whether err must not be retried.
func isTerminalConnectError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
