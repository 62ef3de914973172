package ldapauth

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Option is a functional option for configuring an Authenticator.
type Option func(*Authenticator)

// WithLogger sets a custom structured logger for authentication
// diagnostics. If not provided, slog.Default() is used.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	auth, err := ldapauth.New(cfg, ldapauth.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithConnector replaces the connection factory. Tests use this to drive
// the authenticator with a fake directory instead of a network dial.
func WithConnector(connector Connector) Option {
	return func(a *Authenticator) {
		if connector != nil {
			a.connector = connector
		}
	}
}

// WithTLS sets the TLS configuration applied to ldaps connections.
func WithTLS(tlsConfig *tls.Config) Option {
	return func(a *Authenticator) {
		if tlsConfig != nil {
			a.config.TLSConfig = tlsConfig
		}
	}
}

// WithTimeout sets the per-call operation timeout. It bounds the whole
// authentication attempt, including every directory round trip.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Authenticator) {
		if timeout > 0 {
			a.config.OperationTimeout = timeout
		}
	}
}

// WithConnectionPool enables pooling of lookup connections. Pooled
// connections stay bound as the service account and are borrowed with
// checkout/return exclusivity; verify binds never touch them.
func WithConnectionPool(poolConfig *PoolConfig) Option {
	return func(a *Authenticator) {
		if poolConfig != nil {
			a.config.Pool = poolConfig
		}
	}
}

// WithMetrics enables Prometheus metrics for authentication outcomes.
func WithMetrics(metrics *Metrics) Option {
	return func(a *Authenticator) {
		a.metrics = metrics
	}
}
