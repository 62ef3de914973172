package ldapauth

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// maxFilterLength bounds configured filter fragments.
	maxFilterLength = 4096
	// maxUsernameLength bounds login names before they reach the filter.
	maxUsernameLength = 256
)

// maskSensitiveData masks a value for logging, keeping just enough of it
// to correlate log lines.
func maskSensitiveData(data string) string {
	if len(data) <= 4 {
		return "***"
	}
	return data[:2] + "***" + data[len(data)-2:]
}

// EscapeFilterValue escapes the LDAP filter metacharacters of RFC 4515 in
// a value, preventing user input from altering the logical structure of a
// search filter.
func EscapeFilterValue(value string) string {
	replacer := strings.NewReplacer(
		"\\", "\\5c",
		"*", "\\2a",
		"(", "\\28",
		")", "\\29",
		"\x00", "\\00",
	)
	return replacer.Replace(value)
}

// validateAttributeName checks that name is a plausible LDAP attribute
// description: a leading letter followed by letters, digits and hyphens.
func validateAttributeName(name string) error {
	if name == "" {
		return fmt.Errorf("attribute name cannot be empty")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case (r >= '0' && r <= '9' || r == '-') && i > 0:
		default:
			return fmt.Errorf("attribute name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// validateFilterFragment sanity-checks a configured filter fragment. The
// fragment is operator-supplied, not user input, so this guards against
// typos rather than attacks: it must be parenthesized, balanced and free
// of control characters.
func validateFilterFragment(fragment string) error {
	if len(fragment) > maxFilterLength {
		return fmt.Errorf("filter too long: %d characters (max %d)", len(fragment), maxFilterLength)
	}
	for _, r := range fragment {
		if unicode.IsControl(r) {
			return fmt.Errorf("filter contains control characters")
		}
	}
	if !strings.HasPrefix(fragment, "(") || !strings.HasSuffix(fragment, ")") {
		return fmt.Errorf("filter must be enclosed in parentheses")
	}
	depth := 0
	for _, r := range fragment {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("filter has unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("filter has unbalanced parentheses")
	}
	return nil
}

// validateUsername bounds untrusted login names before filter
// interpolation. Escaping handles metacharacters; this rejects input no
// real login attribute value would contain.
func validateUsername(username string) error {
	if len(username) > maxUsernameLength {
		return fmt.Errorf("username too long: %d characters (max %d)", len(username), maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return fmt.Errorf("username contains control characters")
		}
	}
	return nil
}
