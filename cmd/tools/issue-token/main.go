// Command issue-token signs an API bearer token with the configured
// http.jwt_secret.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"relaycast/internal/api"
	"relaycast/internal/config"
)

func main() {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to the relaycast YAML configuration")
	flag.StringVar(&subject, "subject", "", "Operator name recorded in the audit trail")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 issues a token without expiry")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load configuration: %v", err)
	}
	token, err := issue(cfg.HTTP.JWTSecret, subject, ttl, time.Now())
	if err != nil {
		fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func issue(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("--subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("http.jwt_secret is not configured")
	}
	if ttl < 0 {
		return "", fmt.Errorf("--ttl must not be negative")
	}
	return api.IssueToken(secret, subject, ttl, now)
}
