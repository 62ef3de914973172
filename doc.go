// Package ldapauth authenticates username/password pairs against an LDAP
// directory on behalf of a calendar/contacts server such as Radicale.
//
// The package implements the search-then-bind pattern: an initial bind with
// an optional service account, a scope-bounded search for the user entry
// under the configured base DN, and a second bind as the located entry to
// verify the presented password. The caller only ever sees a binary
// Decision; the reason for a rejection is reported through structured
// logging and optional Prometheus metrics, never through the return value.
//
// # Basic Usage
//
//	cfg, err := ldapauth.ConfigFromOptions(map[string]string{
//		"ldap_url":       "ldap://ldap.example.com:389",
//		"ldap_base":      "ou=users,dc=example,dc=com",
//		"ldap_attribute": "uid",
//		"ldap_filter":    "(objectclass=inetOrgPerson)",
//		"ldap_binddn":    "cn=radicale,ou=services,dc=example,dc=com",
//		"ldap_password":  "service-secret",
//		"ldap_scope":     "SUBTREE",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	auth, err := ldapauth.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer auth.Close()
//
//	decision := auth.Authenticate("alice", "password")
//	if decision.Accepted {
//		fmt.Printf("authenticated as %s\n", decision.Identity)
//	}
//
// # Samba and other limited servers
//
// Directory servers that do not implement the RFC 4532 "Who Am I" extended
// operation (notably Samba-backed domains) must be driven with
// ldap_support_extended set to "no". The verification outcome is identical
// in both modes; only the wire-level mechanism differs.
//
// # Error Handling
//
// Per-call failures are classified internally into authentication failures
// (wrong password, unknown or ambiguous user) and infrastructure failures
// (unreachable server, rejected service-account bind, timeouts). The
// classification helpers IsAuthenticationError and IsInfrastructureError
// operate on the sentinel errors defined in this package:
//   - ErrEmptyCredentials: empty username or password, rejected locally
//   - ErrUserNotFound: the search matched no entry
//   - ErrAmbiguousUser: the search matched more than one entry
//   - ErrVerifyBindFailed: the directory rejected the user's password
//   - ErrLookupBindFailed: the service-account bind was rejected
//   - ErrDirectoryUnreachable: the server could not be reached
//   - ErrExtendedUnsupported: the server lacks the Who Am I operation
package ldapauth
