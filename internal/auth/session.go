package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SessionKey names the persisted session in every store
const SessionKey = "pm_auth"

// State is the sign-in state
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateNeedsUsername   State = "needs_username"
	StateAuthenticated   State = "authenticated"
)

// Session is the durable sign-in claim. It survives wallet disconnects and
// is only cleared by Logout.
type Session struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	Wallet          string `json:"wallet"`
	Username        string `json:"username,omitempty"`
	NeedsUsername   bool   `json:"needsUsername,omitempty"`
}

// State derives the sign-in state a session represents
func (s Session) State() State {
	switch {
	case !s.IsAuthenticated || s.Wallet == "":
		return StateUnauthenticated
	case s.NeedsUsername || s.Username == "":
		return StateNeedsUsername
	default:
		return StateAuthenticated
	}
}

// Code classifies auth failures
type Code string

const (
	CodeWalletNotConnected Code = "WALLET_NOT_CONNECTED"
	CodeWalletUnavailable  Code = "WALLET_UNAVAILABLE"
	CodeUserRejected       Code = "USER_REJECTED"
	CodeNoPublicKey        Code = "NO_PUBLIC_KEY"
	CodeBackend            Code = "BACKEND_ERROR"
	CodeInvalidResponse    Code = "INVALID_RESPONSE"
	CodeInvalidUsername    Code = "INVALID_USERNAME"
	CodeUnknown            Code = "UNKNOWN"
)

// Error is returned by every Manager operation that fails
type Error struct {
	Code    Code
	Message string // Human-readable, safe to show the user
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err as an *Error, or nil
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateUsername checks the onboarding rules: 3 to 20 characters of
// letters, digits and underscores
func ValidateUsername(name string) error {
	invalid := func(msg string) error {
		return &Error{Code: CodeInvalidUsername, Message: msg}
	}
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("Username is required")
	case len(name) < 3:
		return invalid("Username must be at least 3 characters")
	case len(name) > 20:
		return invalid("Username must be 20 characters or less")
	case !usernamePattern.MatchString(name):
		return invalid("Username can only contain letters, numbers, and underscores")
	}
	return nil
}
