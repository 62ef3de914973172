//go:build !integration

package ldapauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// fakeDirectory is an in-memory directory server double. Connections
// opened against it honor the same bind/search/whoami semantics the
// authenticator relies on, including filter evaluation against escaped
// values, so injection attempts behave as they would on the wire.
type fakeDirectory struct {
	mu sync.Mutex

	serviceDN       string
	servicePassword string
	allowAnonymous  bool
	supportsWhoAmI  bool

	// entries are the searchable user entries; passwords maps entry DN
	// to the password accepted by a bind.
	entries   []*ldap.Entry
	passwords map[string]string

	dialErr   error
	searchErr error
	// searchBlocks makes Search hang until the connection is closed,
	// simulating an unresponsive server.
	searchBlocks bool
	// omitAttributes strips attributes from returned entries, as a
	// server with restrictive ACLs would.
	omitAttributes bool

	dials       int
	searches    int
	lastFilter  string
	lastBaseDN  string
	lastScope   int
	verifyBinds []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		serviceDN:       "cn=radicale,ou=services,dc=example,dc=com",
		servicePassword: "service-secret",
		allowAnonymous:  true,
		supportsWhoAmI:  true,
		passwords:       map[string]string{},
	}
}

// addUser registers a searchable entry with a known password.
func (d *fakeDirectory) addUser(dn, attribute, value, password string) {
	d.entries = append(d.entries, ldap.NewEntry(dn, map[string][]string{
		attribute: {value},
	}))
	d.passwords[dn] = password
}

// connect is the Connector under test.
func (d *fakeDirectory) connect(_ context.Context, _ *Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials++
	return &fakeConn{dir: d, closeCh: make(chan struct{})}, nil
}

type fakeConn struct {
	dir     *fakeDirectory
	mu      sync.Mutex
	boundDN string
	closed  bool
	closeCh chan struct{}
}

func (c *fakeConn) Bind(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}

	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if username == c.dir.serviceDN {
		if password != c.dir.servicePassword {
			return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
		}
		c.boundDN = username
		return nil
	}

	c.dir.verifyBinds = append(c.dir.verifyBinds, username)
	if expected, ok := c.dir.passwords[username]; ok && expected == password && password != "" {
		c.boundDN = username
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (c *fakeConn) UnauthenticatedBind(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	if !c.dir.allowAnonymous {
		return ldap.NewError(ldap.LDAPResultInappropriateAuthentication, errors.New("anonymous bind refused"))
	}
	c.boundDN = ""
	return nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	c.dir.searches++
	c.dir.lastFilter = req.Filter
	c.dir.lastBaseDN = req.BaseDN
	c.dir.lastScope = req.Scope
	blocks := c.dir.searchBlocks
	searchErr := c.dir.searchErr
	entries := c.dir.entries
	c.dir.mu.Unlock()

	if blocks {
		<-c.closeCh
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}
	if searchErr != nil {
		return nil, searchErr
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}

	c.dir.mu.Lock()
	omit := c.dir.omitAttributes
	c.dir.mu.Unlock()

	result := &ldap.SearchResult{}
	for _, entry := range entries {
		if !fakeFilterMatches(req.Filter, entry) {
			continue
		}
		if omit {
			result.Entries = append(result.Entries, ldap.NewEntry(entry.DN, nil))
		} else {
			result.Entries = append(result.Entries, entry)
		}
	}
	return result, nil
}

// fakeFilterMatches evaluates the equality component of the generated
// filter against an entry, comparing in escaped space. An unescaped
// metacharacter in the username would therefore change the comparison,
// exactly as it would widen a real server-side match.
func fakeFilterMatches(filter string, entry *ldap.Entry) bool {
	for _, attr := range entry.Attributes {
		prefix := "(" + attr.Name + "="
		start := strings.Index(filter, prefix)
		if start < 0 {
			continue
		}
		rest := filter[start+len(prefix):]
		end := strings.Index(rest, ")")
		if end < 0 {
			continue
		}
		want := rest[:end]
		for _, value := range attr.Values {
			if ldap.EscapeFilter(value) == want {
				return true
			}
		}
	}
	return false
}

func (c *fakeConn) WhoAmI([]ldap.Control) (*ldap.WhoAmIResult, error) {
	c.dir.mu.Lock()
	supported := c.dir.supportsWhoAmI
	c.dir.mu.Unlock()
	if !supported {
		return nil, ldap.NewError(ldap.LDAPResultProtocolError, errors.New("extended operation not supported"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ldap.WhoAmIResult{AuthzID: "dn:" + c.boundDN}, nil
}

func (c *fakeConn) SetTimeout(time.Duration) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

// testConfig returns a Config pointed at the fake directory's service
// account, using uid as the login attribute.
func testConfig() *Config {
	return &Config{
		URL:             "ldap://directory.test:389",
		BaseDN:          "ou=users,dc=example,dc=com",
		LoginAttribute:  "uid",
		FilterFragment:  "(objectclass=inetOrgPerson)",
		BindDN:          "cn=radicale,ou=services,dc=example,dc=com",
		BindPassword:    "service-secret",
		Scope:           ScopeSubtree,
		SupportExtended: true,
		Logger:          discardLogger(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAuthenticator wires an Authenticator to the fake directory.
func newTestAuthenticator(dir *fakeDirectory, cfg *Config, opts ...Option) (*Authenticator, error) {
	opts = append([]Option{WithConnector(dir.connect)}, opts...)
	return New(cfg, opts...)
}

// mustTestAuthenticator is newTestAuthenticator for tests where config
// construction cannot fail.
func mustTestAuthenticator(dir *fakeDirectory, cfg *Config, opts ...Option) *Authenticator {
	auth, err := newTestAuthenticator(dir, cfg, opts...)
	if err != nil {
		panic(fmt.Sprintf("test authenticator: %v", err))
	}
	return auth
}
