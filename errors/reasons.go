package errors

import (
	"errors"
	"strings"
)

// Machine-readable prefixes for OK and CLOSED frame reasons. Clients key
// behavior off the prefix; everything after the colon is human-readable.
const (
	PrefixInvalid      = "invalid"
	PrefixDuplicate    = "duplicate"
	PrefixAuthRequired = "auth-required"
	PrefixRestricted   = "restricted"
	PrefixRateLimited  = "rate-limited"
	PrefixUnsupported  = "unsupported"
	PrefixError        = "error"
)

// Reason formats a machine-readable frame reason as "prefix: message".
func Reason(prefix, message string) string {
	if message == "" {
		return prefix + ":"
	}
	return prefix + ": " + message
}

// ReasonFor maps an error onto a frame reason with the appropriate prefix.
// Backend details are never leaked to clients; anything not recognized as a
// client-caused condition collapses to a generic "error:" reason.
func ReasonFor(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrDuplicate):
		return Reason(PrefixDuplicate, "already have this event")
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrChallengeExpired),
		errors.Is(err, ErrChallengeMismatch), errors.Is(err, ErrRelayURLMismatch),
		errors.Is(err, ErrWrongAuthKind):
		return Reason(PrefixAuthRequired, trimContext(err))
	case errors.Is(err, ErrNotRegistered):
		return Reason(PrefixRestricted, trimContext(err))
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTooManyAuthKeys):
		return Reason(PrefixRateLimited, trimContext(err))
	case errors.Is(err, ErrTooManySubscriptions), errors.Is(err, ErrTooManyFilters),
		errors.Is(err, ErrSubIDTooLong), errors.Is(err, ErrUnsupportedFilter):
		return Reason(PrefixUnsupported, trimContext(err))
	case IsInvalid(err):
		return Reason(PrefixInvalid, trimContext(err))
	default:
		return Reason(PrefixError, "could not process request")
	}
}

// trimContext strips the "component.method: action failed:" wrapping so frame
// reasons stay readable for end users.
func trimContext(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, "failed: "); idx >= 0 {
		msg = msg[idx+len("failed: "):]
	}
	return msg
}
