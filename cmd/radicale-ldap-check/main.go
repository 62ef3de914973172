// Command radicale-ldap-check validates an LDAP authentication
// configuration from the command line. It builds the same policy the
// server would use, probes the directory, and optionally runs a single
// authentication attempt.
//
// Options come from flags, with defaults taken from LDAP_* environment
// variables; an optional .env file is loaded first. Exit status is 0 when
// every requested check passes, 1 on a rejected credential and 2 on a
// configuration or directory problem.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	ldapauth "github.com/malmeloo/radicale3-ldap-auth"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("radicale-ldap-check", pflag.ContinueOnError)

	envFile := fs.String("env-file", "", "Path to a .env file with LDAP_* variables.")
	url := fs.String("url", envOr("LDAP_URL", ""), "LDAP server URL, with protocol and port.")
	base := fs.String("base", envOr("LDAP_BASE", ""), "Base DN for user searches.")
	attribute := fs.String("attribute", envOr("LDAP_ATTRIBUTE", ""), "Attribute uniquely identifying the user.")
	filter := fs.String("filter", envOr("LDAP_FILTER", ""), "Extra search filter combined with the attribute match.")
	bindDN := fs.String("binddn", envOr("LDAP_BINDDN", ""), "Service account DN for the lookup bind.")
	bindPassword := fs.String("bind-password", envOr("LDAP_PASSWORD", ""), "Service account password.")
	scope := fs.String("scope", envOr("LDAP_SCOPE", ""), "Search scope: BASE, LEVEL or SUBTREE.")
	extended := fs.String("support-extended", envOr("LDAP_SUPPORT_EXTENDED", ""), "Use the Who Am I extended operation: yes or no.")
	username := fs.String("username", "", "Username to authenticate; the password is read from the terminal.")
	verbose := fs.BoolP("verbose", "v", false, "Enable debug logging.")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "cannot load %s: %v\n", *envFile, err)
			return 2
		}
		// Re-resolve flags that were left at their env defaults.
		reloadEnvDefault(fs, "url", url, "LDAP_URL")
		reloadEnvDefault(fs, "base", base, "LDAP_BASE")
		reloadEnvDefault(fs, "attribute", attribute, "LDAP_ATTRIBUTE")
		reloadEnvDefault(fs, "filter", filter, "LDAP_FILTER")
		reloadEnvDefault(fs, "binddn", bindDN, "LDAP_BINDDN")
		reloadEnvDefault(fs, "bind-password", bindPassword, "LDAP_PASSWORD")
		reloadEnvDefault(fs, "scope", scope, "LDAP_SCOPE")
		reloadEnvDefault(fs, "support-extended", extended, "LDAP_SUPPORT_EXTENDED")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	options := map[string]string{}
	setOption(options, ldapauth.OptionURL, *url)
	setOption(options, ldapauth.OptionBase, *base)
	setOption(options, ldapauth.OptionAttribute, *attribute)
	setOption(options, ldapauth.OptionFilter, *filter)
	setOption(options, ldapauth.OptionBindDN, *bindDN)
	setOption(options, ldapauth.OptionBindPassword, *bindPassword)
	setOption(options, ldapauth.OptionScope, *scope)
	setOption(options, ldapauth.OptionSupportExtended, *extended)

	cfg, err := ldapauth.ConfigFromOptions(options)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg.Logger = logger

	auth, err := ldapauth.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer auth.Close()

	ctx := context.Background()
	if err := auth.Verify(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "directory check failed: %v\n", err)
		return 2
	}
	fmt.Println("directory check passed")

	if *username == "" {
		return 0
	}

	password, err := readPassword(*username)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	decision := auth.AuthenticateContext(ctx, *username, password)
	if !decision.Accepted {
		fmt.Printf("authentication rejected for %s\n", *username)
		return 1
	}
	fmt.Printf("authentication accepted for %s as %s\n", *username, decision.Identity)
	return 0
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// reloadEnvDefault refreshes a flag value from the environment after a
// .env file has been loaded, unless the flag was set explicitly.
func reloadEnvDefault(fs *pflag.FlagSet, name string, value *string, key string) {
	if fs.Changed(name) {
		return
	}
	if env, ok := os.LookupEnv(key); ok {
		*value = env
	}
}

// setOption adds an option only when a value was provided, so library
// defaults apply otherwise.
func setOption(options map[string]string, key, value string) {
	if value != "" {
		options[key] = value
	}
}

// readPassword prompts for the user's password on stdin. Reading a line
// rather than taking a flag keeps the password out of the process list
// and shell history.
func readPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s: ", username)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
