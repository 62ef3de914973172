package ldapauth

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Recognized option keys for ConfigFromOptions. These mirror the auth
// section of the Radicale configuration file.
const (
	OptionURL             = "ldap_url"
	OptionBase            = "ldap_base"
	OptionAttribute       = "ldap_attribute"
	OptionFilter          = "ldap_filter"
	OptionBindDN          = "ldap_binddn"
	OptionBindPassword    = "ldap_password"
	OptionScope           = "ldap_scope"
	OptionSupportExtended = "ldap_support_extended"
)

// Defaults applied by ConfigFromOptions when an option is absent.
const (
	DefaultURL            = "ldap://localhost:389"
	DefaultBase           = "ou=users,dc=example,dc=com"
	DefaultLoginAttribute = "username"
	DefaultScope          = ScopeLevel

	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 10 * time.Second
	// DefaultOperationTimeout bounds a full authentication attempt,
	// covering every directory round trip it performs.
	DefaultOperationTimeout = 30 * time.Second
)

// Scope controls the search depth under the base DN.
type Scope int

const (
	// ScopeBase searches only the base DN entry itself.
	ScopeBase Scope = iota
	// ScopeLevel searches the immediate children of the base DN.
	ScopeLevel
	// ScopeSubtree searches the entire subtree rooted at the base DN.
	ScopeSubtree
)

// ParseScope parses the configuration representation of a search scope.
// Accepted values are "BASE", "LEVEL" and "SUBTREE", case-insensitive.
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BASE":
		return ScopeBase, nil
	case "LEVEL":
		return ScopeLevel, nil
	case "SUBTREE":
		return ScopeSubtree, nil
	default:
		return 0, fmt.Errorf("invalid search scope %q: must be BASE, LEVEL or SUBTREE", s)
	}
}

// String returns the configuration representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "BASE"
	case ScopeLevel:
		return "LEVEL"
	case ScopeSubtree:
		return "SUBTREE"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ldapScope maps the scope onto the go-ldap wire constant.
func (s Scope) ldapScope() int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeSubtree:
		return ldap.ScopeWholeSubtree
	default:
		return ldap.ScopeSingleLevel
	}
}

// Config is the authentication policy. It is built once at startup,
// validated by New and treated as read-only afterwards; concurrent
// Authenticate calls share it without synchronization.
type Config struct {
	// URL is the directory server address as scheme://host:port. The
	// scheme selects the transport: ldap for plaintext, ldaps for TLS.
	URL string
	// BaseDN is the subtree root for user searches.
	BaseDN string
	// LoginAttribute is the attribute holding the login name (e.g. "uid").
	LoginAttribute string
	// FilterFragment is an optional LDAP filter combined with the login
	// attribute equality test, e.g. "(objectclass=inetOrgPerson)". When
	// empty the equality test alone is used.
	FilterFragment string
	// BindDN and BindPassword are the service-account credentials for the
	// lookup bind. An empty BindDN selects an unauthenticated bind, which
	// requires the directory to permit anonymous search.
	BindDN       string
	BindPassword string
	// Scope bounds the search depth under BaseDN.
	Scope Scope
	// SupportExtended selects Who Am I verification of the user bind.
	// Disable for servers without RFC 4532 support, such as Samba.
	SupportExtended bool

	// DialTimeout bounds connection establishment. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration
	// OperationTimeout bounds a whole authentication attempt. Zero means
	// DefaultOperationTimeout; a negative value disables the bound.
	OperationTimeout time.Duration
	// TLSConfig is applied to ldaps connections when set.
	TLSConfig *tls.Config
	// Pool enables lookup-connection pooling when set.
	Pool *PoolConfig
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigFromOptions builds a Config from the raw ldap_* option surface.
// Unknown keys and malformed values are rejected here, at construction,
// rather than at first use.
func ConfigFromOptions(options map[string]string) (*Config, error) {
	cfg := &Config{
		URL:             DefaultURL,
		BaseDN:          DefaultBase,
		LoginAttribute:  DefaultLoginAttribute,
		Scope:           DefaultScope,
		SupportExtended: true,
	}

	for key, value := range options {
		switch key {
		case OptionURL:
			// Trailing slashes are typical for URIs pasted from
			// elsewhere; strip them before use.
			cfg.URL = strings.TrimRight(value, "/")
		case OptionBase:
			cfg.BaseDN = value
		case OptionAttribute:
			cfg.LoginAttribute = value
		case OptionFilter:
			cfg.FilterFragment = value
		case OptionBindDN:
			cfg.BindDN = value
		case OptionBindPassword:
			cfg.BindPassword = value
		case OptionScope:
			scope, err := ParseScope(value)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", OptionScope, err)
			}
			cfg.Scope = scope
		case OptionSupportExtended:
			enabled, err := parseBool(value)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", OptionSupportExtended, err)
			}
			cfg.SupportExtended = enabled
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseBool accepts the boolean spellings the configuration file has
// historically used.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}

// Validate checks the configuration for structural problems. New calls it;
// callers constructing a Config by hand may call it early to fail fast.
func (c *Config) Validate() error {
	if c.URL == "" {
		return configurationError(OptionURL, "server URL cannot be empty", nil)
	}
	if !strings.HasPrefix(c.URL, "ldap://") && !strings.HasPrefix(c.URL, "ldaps://") {
		return configurationError(OptionURL, fmt.Sprintf("unsupported URL scheme in %q: must be ldap:// or ldaps://", c.URL), nil)
	}
	if c.BaseDN == "" {
		return configurationError(OptionBase, "base DN cannot be empty", nil)
	}
	if err := validateAttributeName(c.LoginAttribute); err != nil {
		return configurationError(OptionAttribute, err.Error(), nil)
	}
	if c.FilterFragment != "" {
		if err := validateFilterFragment(c.FilterFragment); err != nil {
			return configurationError(OptionFilter, err.Error(), nil)
		}
	}
	if c.BindDN != "" && c.BindPassword == "" {
		return configurationError(OptionBindPassword, "bind password is required when a bind DN is set", nil)
	}
	if c.Scope != ScopeBase && c.Scope != ScopeLevel && c.Scope != ScopeSubtree {
		return configurationError(OptionScope, fmt.Sprintf("invalid scope %d", int(c.Scope)), nil)
	}
	return nil
}

// searchFilter builds the user lookup filter, escaping the username per
// RFC 4515 so filter metacharacters cannot widen the match.
func (c *Config) searchFilter(username string) string {
	equality := fmt.Sprintf("(%s=%s)", c.LoginAttribute, ldap.EscapeFilter(username))
	if c.FilterFragment == "" {
		return equality
	}
	return fmt.Sprintf("(&%s%s)", equality, c.FilterFragment)
}

// dialTimeout returns the effective dial timeout.
func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

// operationTimeout returns the effective per-call timeout, or zero when
// the bound is disabled.
func (c *Config) operationTimeout() time.Duration {
	if c.OperationTimeout == 0 {
		return DefaultOperationTimeout
	}
	if c.OperationTimeout < 0 {
		return 0
	}
	return c.OperationTimeout
}

// logValue summarizes the configuration for the startup log with the bind
// password masked.
func (c *Config) logValue() []slog.Attr {
	return []slog.Attr{
		slog.String(OptionURL, c.URL),
		slog.String(OptionBase, c.BaseDN),
		slog.String(OptionAttribute, c.LoginAttribute),
		slog.String(OptionFilter, c.FilterFragment),
		slog.String(OptionBindDN, c.BindDN),
		slog.String(OptionBindPassword, maskSensitiveData(c.BindPassword)),
		slog.String(OptionScope, c.Scope.String()),
		slog.Bool(OptionSupportExtended, c.SupportExtended),
	}
}
