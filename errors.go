package ldapauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors classifying the internal failure taxonomy. They never
// reach the host through Authenticate; they drive logging and metrics and
// are exposed for tests and for callers of Verify.
var (
	// ErrEmptyCredentials is returned for an empty username or password.
	// Such input is rejected locally, without a directory round trip, to
	// rule out the unauthenticated-bind bypass.
	ErrEmptyCredentials = errors.New("ldapauth: empty username or password")

	// ErrInvalidUsername is returned for a username no real login
	// attribute value would contain (control characters, excessive
	// length). Rejected locally, like empty input.
	ErrInvalidUsername = errors.New("ldapauth: invalid username")

	// ErrDirectoryUnreachable indicates a connection or transport failure.
	ErrDirectoryUnreachable = errors.New("ldapauth: directory unreachable")

	// ErrLookupBindFailed indicates the directory rejected the
	// service-account bind. This is a configuration problem, not a user
	// credential failure.
	ErrLookupBindFailed = errors.New("ldapauth: lookup bind failed")

	// ErrUserNotFound indicates the search matched no entry.
	ErrUserNotFound = errors.New("ldapauth: user not found")

	// ErrAmbiguousUser indicates the search matched more than one entry.
	// The login attribute is expected to be unique; picking a match
	// arbitrarily could authenticate the wrong identity, so ambiguity is
	// always a rejection.
	ErrAmbiguousUser = errors.New("ldapauth: login attribute is not unique")

	// ErrVerifyBindFailed indicates the user entry was found but the
	// directory rejected the presented password.
	ErrVerifyBindFailed = errors.New("ldapauth: password verification failed")

	// ErrExtendedUnsupported indicates the server does not implement the
	// Who Am I extended operation the configuration asked for.
	ErrExtendedUnsupported = errors.New("ldapauth: who am i extended operation not supported")

	// ErrClosed is returned when the authenticator has been closed.
	ErrClosed = errors.New("ldapauth: authenticator is closed")
)

// AuthError carries operation context for a directory failure: which step
// failed, against which server, for which DN, and the LDAP result code
// when one is available.
type AuthError struct {
	// Op names the failed step, e.g. "lookup_bind" or "search".
	Op string
	// Server is the directory URL.
	Server string
	// DN is the distinguished name involved, if any.
	DN string
	// Code is the LDAP result code, or -1 when not applicable.
	Code int
	// Err is the underlying error.
	Err error
	// Timestamp records when the failure occurred.
	Timestamp time.Time
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.DN != "" {
		return fmt.Sprintf("ldap %s failed for DN %q on %q: %v", e.Op, e.DN, e.Server, e.Err)
	}
	return fmt.Sprintf("ldap %s failed on %q: %v", e.Op, e.Server, e.Err)
}

// Unwrap supports errors.Is and errors.As chains.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// newAuthError wraps err with operation context.
func newAuthError(op, server string, err error) *AuthError {
	return &AuthError{
		Op:        op,
		Server:    server,
		Code:      ldapResultCode(err),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithDN attaches the distinguished name involved in the operation.
func (e *AuthError) WithDN(dn string) *AuthError {
	e.DN = dn
	return e
}

// ldapResultCode extracts the LDAP result code from an error, or -1.
func ldapResultCode(err error) int {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return int(ldapErr.ResultCode)
	}
	return -1
}

// IsAuthenticationError reports whether err is an expected, high-volume
// authentication failure: a credential or lookup outcome attributable to
// the end user. These should not page anyone.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrEmptyCredentials) ||
		errors.Is(err, ErrInvalidUsername) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAmbiguousUser) ||
		errors.Is(err, ErrVerifyBindFailed)
}

// IsInfrastructureError reports whether err indicates the directory, the
// service account or the protocol configuration is broken. These are
// operable signals and should alert.
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrDirectoryUnreachable) ||
		errors.Is(err, ErrLookupBindFailed) ||
		errors.Is(err, ErrExtendedUnsupported) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// failureClass maps an internal error to the label used in logs and
// metrics.
func failureClass(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCredentials), errors.Is(err, ErrInvalidUsername):
		return "invalid_input"
	case IsAuthenticationError(err):
		return "authentication"
	default:
		return "infrastructure"
	}
}

// isNetworkError reports whether err is a transport-level failure rather
// than a directory verdict.
func isNetworkError(err error) bool {
	if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isUnsupportedOperation reports whether the server declined an operation
// it does not implement. Servers signal this inconsistently; protocol
// errors and unwilling-to-perform both occur in the wild for Who Am I.
func isUnsupportedOperation(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultProtocolError) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultOperationsError)
}

// joinSentinel attaches a classification sentinel to an underlying error
// so that both survive errors.Is and errors.As.
func joinSentinel(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// configurationError describes an invalid policy option.
func configurationError(option, issue string, err error) error {
	if err != nil {
		return fmt.Errorf("configuration error in %s: %s: %w", option, issue, err)
	}
	return fmt.Errorf("configuration error in %s: %s", option, issue)
}
