package ldapauth

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the authenticator needs. Abstracting
// the connection keeps the search-then-bind flow a pure function over
// (Config, credential) and lets tests drive it with a fake directory.
type Conn interface {
	// Bind authenticates the connection as the given DN.
	Bind(username, password string) error
	// UnauthenticatedBind performs an anonymous bind.
	UnauthenticatedBind(username string) error
	// Search executes a search request.
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	// WhoAmI performs the RFC 4532 extended operation.
	WhoAmI(controls []ldap.Control) (*ldap.WhoAmIResult, error)
	// SetTimeout bounds individual directory round trips.
	SetTimeout(timeout time.Duration)
	// Close terminates the connection.
	Close() error
}

// Connector opens a directory connection for the given configuration.
// The default connector dials cfg.URL with go-ldap; tests substitute a
// fake via WithConnector. A connection returned by a Connector is never
// shared between concurrent calls.
type Connector func(ctx context.Context, cfg *Config) (Conn, error)

var _ Conn = (*ldap.Conn)(nil)
