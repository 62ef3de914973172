package ldapauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Decision is the caller-visible outcome of an authentication attempt.
// The host never learns why a credential was rejected; the reason only
// reaches the structured log and the metrics, which keeps the calling
// protocol free of user-enumeration signals.
type Decision struct {
	// Accepted reports whether the credential is valid.
	Accepted bool
	// Identity is the canonical identity on acceptance: the value of the
	// login attribute from the matched entry, or the entry DN when the
	// attribute was not returned. Empty on rejection.
	Identity string
}

// Authenticate checks a username/password pair against the directory.
func (a *Authenticator) Authenticate(username, password string) Decision {
	return a.AuthenticateContext(context.Background(), username, password)
}

// AuthenticateContext checks a username/password pair against the
// directory. Cancelling ctx closes the in-flight connection promptly. The
// call is bounded by the configured operation timeout on top of any
// deadline already carried by ctx.
func (a *Authenticator) AuthenticateContext(ctx context.Context, username, password string) Decision {
	start := time.Now()
	maskedUsername := maskSensitiveData(username)

	identity, err := a.authenticate(ctx, username, password)
	duration := time.Since(start)

	if err != nil {
		class := failureClass(err)
		// Infrastructure failures are operable signals; authentication
		// failures are expected and high-volume.
		level := slog.LevelWarn
		if class == "infrastructure" {
			level = slog.LevelError
		}
		a.logger.Log(ctx, level, "authentication_failed",
			slog.String("username_masked", maskedUsername),
			slog.String("class", class),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
		if a.metrics != nil {
			a.metrics.observe(class, duration)
		}
		return Decision{}
	}

	a.logger.Info("authentication_successful",
		slog.String("username_masked", maskedUsername),
		slog.String("identity_masked", maskSensitiveData(identity)),
		slog.Duration("duration", duration))
	if a.metrics != nil {
		a.metrics.observe("success", duration)
	}
	return Decision{Accepted: true, Identity: identity}
}

// authenticate runs the search-then-bind flow and returns the canonical
// identity, or a classified error. Passwords never appear in returned
// errors or log output.
func (a *Authenticator) authenticate(ctx context.Context, username, password string) (string, error) {
	if a.closed.Load() {
		return "", ErrClosed
	}

	// Empty input is rejected before any directory traffic: an empty
	// password would otherwise perform an unauthenticated bind, which
	// directory servers report as success.
	if username == "" || password == "" {
		return "", ErrEmptyCredentials
	}
	if err := validateUsername(username); err != nil {
		return "", joinSentinel(ErrInvalidUsername, err)
	}

	if timeout := a.config.operationTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, release, err := a.acquireLookupConn(ctx)
	if err != nil {
		return "", err
	}
	failed := false
	defer func() { release(failed) }()

	stop := closeOnCancel(ctx, conn)
	defer stop()

	entry, err := a.findUser(ctx, conn, username)
	if err != nil {
		failed = !IsAuthenticationError(err)
		return "", err
	}

	if err := a.verifyPassword(ctx, entry.DN, password); err != nil {
		// A cancelled call may have closed the guarded lookup
		// connection; don't park it for the next borrower.
		failed = !IsAuthenticationError(err)
		return "", err
	}

	return entry.Identity, nil
}

// userEntry is the slice of a directory entry the flow needs.
type userEntry struct {
	DN       string
	Identity string
}

// findUser searches for exactly one entry matching the login attribute.
// Zero matches and multiple matches are both rejections; resolving an
// ambiguous login attribute to its first match could authenticate the
// wrong identity.
func (a *Authenticator) findUser(ctx context.Context, conn Conn, username string) (*userEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, newAuthError("search", a.config.URL, err)
	}

	filter := a.config.searchFilter(username)
	a.logger.Debug("ldap_user_search",
		slog.String("base_dn", a.config.BaseDN),
		slog.String("scope", a.config.Scope.String()),
		slog.String("filter", filter))

	request := ldap.NewSearchRequest(
		a.config.BaseDN,
		a.config.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		[]string{a.config.LoginAttribute},
		nil,
	)

	result, err := conn.Search(request)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, newAuthError("search", a.config.URL, joinSentinel(ErrUserNotFound, err))
		}
		return nil, newAuthError("search", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err))
	}

	switch len(result.Entries) {
	case 0:
		return nil, newAuthError("search", a.config.URL, ErrUserNotFound)
	case 1:
	default:
		// Data anomaly in the directory, not a user error; logged loudly
		// even though it resolves to a plain rejection.
		a.logger.Warn("ldap_ambiguous_login_attribute",
			slog.String("username_masked", maskSensitiveData(username)),
			slog.String("attribute", a.config.LoginAttribute),
			slog.Int("matches", len(result.Entries)))
		return nil, newAuthError("search", a.config.URL,
			joinSentinel(ErrAmbiguousUser, fmt.Errorf("%d entries match", len(result.Entries))))
	}

	entry := result.Entries[0]
	identity := entry.GetAttributeValue(a.config.LoginAttribute)
	if identity == "" {
		identity = entry.DN
	}

	return &userEntry{DN: entry.DN, Identity: identity}, nil
}

// verifyPassword binds as the located user on a dedicated connection.
// A fresh connection keeps pooled lookup sessions bound as the service
// account; a verify bind on a borrowed connection would leave it
// authenticated as an arbitrary user.
func (a *Authenticator) verifyPassword(ctx context.Context, userDN, password string) error {
	if err := ctx.Err(); err != nil {
		return newAuthError("verify_bind", a.config.URL, err).WithDN(userDN)
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	stop := closeOnCancel(ctx, conn)
	defer stop()

	if err := conn.Bind(userDN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return newAuthError("verify_bind", a.config.URL, joinSentinel(ErrVerifyBindFailed, err)).WithDN(userDN)
		}
		if isNetworkError(err) {
			return newAuthError("verify_bind", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err)).WithDN(userDN)
		}
		// Other directory verdicts (account disabled, password expired,
		// unwilling to perform) are credential failures from the host's
		// point of view.
		return newAuthError("verify_bind", a.config.URL, joinSentinel(ErrVerifyBindFailed, err)).WithDN(userDN)
	}

	if a.config.SupportExtended {
		// Who Am I confirms the bind took effect on servers that
		// implement it. A server rejecting the operation itself is a
		// configuration mismatch, not a wrong password; Verify reports
		// it at startup, this path reports it per call.
		result, err := conn.WhoAmI(nil)
		if err != nil {
			if isUnsupportedOperation(err) {
				return newAuthError("whoami", a.config.URL, joinSentinel(ErrExtendedUnsupported, err)).WithDN(userDN)
			}
			return newAuthError("whoami", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err)).WithDN(userDN)
		}
		a.logger.Debug("ldap_whoami",
			slog.String("authz_id", result.AuthzID))
	}

	return nil
}
