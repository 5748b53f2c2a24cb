// Command mint-token issues handshake tokens for local testing and hashes
// producer keys for configuration.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"marketplace-live/internal/auth"
	"marketplace-live/internal/config"
)

type options struct {
	secret   string
	issuer   string
	audience string
	userID   string
	role     string
	ttl      time.Duration
	hashKey  string
}

func main() {
	var opts options
	flag.StringVar(&opts.secret, "secret", os.Getenv(config.Prefix+"AUTH_JWT_SECRET"), "HMAC secret shared with the server")
	flag.StringVar(&opts.issuer, "issuer", os.Getenv(config.Prefix+"AUTH_JWT_ISSUER"), "token issuer claim")
	flag.StringVar(&opts.audience, "audience", os.Getenv(config.Prefix+"AUTH_JWT_AUDIENCE"), "token audience claim")
	flag.StringVar(&opts.userID, "user", "", "user id carried in the subject claim")
	flag.StringVar(&opts.role, "role", "buyer", "role claim")
	flag.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	flag.StringVar(&opts.hashKey, "hash-key", "", "print the bcrypt hash for a producer key instead of minting a token")
	flag.Parse()

	if err := run(os.Stdout, opts); err != nil {
		fatalf("%v", err)
	}
}

func run(out io.Writer, opts options) error {
	if opts.hashKey != "" {
		hash, err := auth.HashProducerKey(opts.hashKey)
		if err != nil {
			return fmt.Errorf("hash producer key: %w", err)
		}
		fmt.Fprintf(out, "%sAUTH_PRODUCER_KEY_HASH=%s\n", config.Prefix, hash)
		return nil
	}

	if strings.TrimSpace(opts.secret) == "" {
		return fmt.Errorf("--secret or %sAUTH_JWT_SECRET is required", config.Prefix)
	}
	if strings.TrimSpace(opts.userID) == "" {
		return fmt.Errorf("--user is required")
	}
	if opts.ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	issuer, err := auth.NewIssuer(auth.JWTConfig{Secret: opts.secret, Issuer: opts.issuer, Audience: opts.audience})
	if err != nil {
		return fmt.Errorf("configure issuer: %w", err)
	}
	token, err := issuer.Issue(auth.Identity{UserID: strings.TrimSpace(opts.userID), Role: opts.role}, opts.ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
