package ldapauth

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Authenticator decides whether a username/password pair is a valid
// directory credential. It is safe for concurrent use; every call works
// on its own connection, or on an exclusively borrowed pooled one.
type Authenticator struct {
	config    *Config
	logger    *slog.Logger
	connector Connector
	pool      *connectionPool
	metrics   *Metrics
	closed    atomic.Bool
}

// New creates an Authenticator for the given configuration. The
// configuration is validated here and never mutated afterwards.
func New(config *Config, opts ...Option) (*Authenticator, error) {
	if config == nil {
		return nil, configurationError("config", "cannot be nil", nil)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	if config.Logger != nil {
		logger = config.Logger
	}

	a := &Authenticator{
		config:    config,
		logger:    logger,
		connector: dialConnector,
	}

	for _, opt := range opts {
		opt(a)
	}

	if config.Pool != nil {
		a.pool = newConnectionPool(config.Pool, a.openLookupConn, a.logger)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "ldap_auth_configured", a.config.logValue()...)

	return a, nil
}

// Close releases pooled connections. The authenticator must not be used
// afterwards.
func (a *Authenticator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.pool != nil {
		return a.pool.Close()
	}
	return nil
}

// dialConnector is the default Connector. It dials cfg.URL with the
// configured dial timeout and TLS settings.
func dialConnector(ctx context.Context, cfg *Config) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialOpts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: cfg.dialTimeout()}),
	}
	if cfg.TLSConfig != nil {
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(cfg.TLSConfig))
	}

	conn, err := ldap.DialURL(cfg.URL, dialOpts...)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(cfg.dialTimeout())
	return conn, nil
}

// connect opens a connection, classifying transport failures.
func (a *Authenticator) connect(ctx context.Context) (Conn, error) {
	start := time.Now()
	conn, err := a.connector(ctx, a.config)
	if err != nil {
		a.logger.Error("ldap_connection_failed",
			slog.String("server", a.config.URL),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, newAuthError("dial", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err))
	}

	a.logger.Debug("ldap_connection_established",
		slog.String("server", a.config.URL),
		slog.Duration("duration", time.Since(start)))
	return conn, nil
}

// openLookupConn opens a connection and performs the lookup bind, as the
// service account when one is configured and anonymously otherwise. Used
// directly per call, and as the pool's connection factory.
func (a *Authenticator) openLookupConn(ctx context.Context) (Conn, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	if a.config.BindDN != "" {
		err = conn.Bind(a.config.BindDN, a.config.BindPassword)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		_ = conn.Close()
		a.logger.Error("ldap_lookup_bind_failed",
			slog.String("server", a.config.URL),
			slog.String("bind_dn", a.config.BindDN),
			slog.String("error", err.Error()))
		if isNetworkError(err) {
			return nil, newAuthError("lookup_bind", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err)).WithDN(a.config.BindDN)
		}
		return nil, newAuthError("lookup_bind", a.config.URL, joinSentinel(ErrLookupBindFailed, err)).WithDN(a.config.BindDN)
	}

	// Diagnostic round trip from the original plugin: confirm who the
	// lookup session is bound as. Never fatal.
	if a.config.SupportExtended && a.logger.Enabled(ctx, slog.LevelDebug) {
		if result, err := conn.WhoAmI(nil); err != nil {
			a.logger.Debug("ldap_whoami_failed",
				slog.String("server", a.config.URL),
				slog.String("error", err.Error()))
		} else {
			a.logger.Debug("ldap_whoami",
				slog.String("server", a.config.URL),
				slog.String("authz_id", result.AuthzID))
		}
	}

	return conn, nil
}

// acquireLookupConn returns a lookup-bound connection and a release
// function. With pooling enabled the connection is borrowed exclusively
// and returned on release; without it a fresh connection is dialed and
// closed on release.
func (a *Authenticator) acquireLookupConn(ctx context.Context) (Conn, func(failed bool), error) {
	if a.pool != nil {
		conn, err := a.pool.Get(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn, func(failed bool) { a.pool.Put(conn, failed) }, nil
	}

	conn, err := a.openLookupConn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func(bool) { _ = conn.Close() }, nil
}

// closeOnCancel closes conn as soon as ctx is cancelled, unblocking any
// in-flight round trip instead of waiting out the transport timeout. The
// returned stop function must be called once the connection is no longer
// guarded.
func closeOnCancel(ctx context.Context, conn Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Verify probes the directory at startup: it dials, performs the lookup
// bind, and, when extended operations are enabled, runs a Who Am I round
// trip. A server without Who Am I support is reported here as
// ErrExtendedUnsupported so the misconfiguration surfaces once, at
// startup, rather than on every authentication.
func (a *Authenticator) Verify(ctx context.Context) error {
	if a.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	conn, err := a.openLookupConn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	stop := closeOnCancel(ctx, conn)
	defer stop()

	if a.config.SupportExtended {
		result, err := conn.WhoAmI(nil)
		if err != nil {
			if isUnsupportedOperation(err) {
				a.logger.Error("ldap_whoami_unsupported",
					slog.String("server", a.config.URL),
					slog.String("error", err.Error()),
					slog.String("hint", "set ldap_support_extended to no for servers without RFC 4532 support"))
				return newAuthError("whoami", a.config.URL, joinSentinel(ErrExtendedUnsupported, err))
			}
			return newAuthError("whoami", a.config.URL, joinSentinel(ErrDirectoryUnreachable, err))
		}
		a.logger.Debug("ldap_whoami",
			slog.String("server", a.config.URL),
			slog.String("authz_id", result.AuthzID))
	}

	a.logger.Info("ldap_verify_successful",
		slog.String("server", a.config.URL),
		slog.Bool("extended", a.config.SupportExtended),
		slog.Duration("duration", time.Since(start)))
	return nil
}
