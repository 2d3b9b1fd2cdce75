package hub

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/switchboard/internal/chat/session"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if !cfg.Metrics {
		t.Fatal("expected metrics enabled by default")
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("expected default token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("SWITCHBOARD_HUB_HTTP_ADDR", "env-hub")
	t.Setenv("SWITCHBOARD_HUB_TOKEN_SECRET", "env-secret")

	fs := flag.NewFlagSet("hub", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-hub",
		"-metrics=false",
		"-issue-token", "ceo",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-hub" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.TokenSecret != "env-secret" {
		t.Fatalf("expected env token secret, got %q", cfg.TokenSecret)
	}
	if cfg.Metrics {
		t.Fatal("expected metrics disabled by flag")
	}
	if cfg.IssueToken != "ceo" {
		t.Fatalf("expected issue-token flag, got %q", cfg.IssueToken)
	}
}

func TestIssueToken(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{TokenSecret: "command-test-secret", TokenTTL: time.Hour, IssueToken: "dir-eng"}
	if err := IssueToken(cfg, &out); err != nil {
		t.Fatalf("issue token: %v", err)
	}

	claims, ok := session.ParseClaims(strings.TrimSpace(out.String()))
	if !ok {
		t.Fatalf("output %q is not a token", out.String())
	}
	if claims.Subject != "dir-eng" || claims.DepartmentID != "eng" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestIssueTokenUnknownUser(t *testing.T) {
	cfg := Config{TokenSecret: "command-test-secret", IssueToken: "ghost"}
	if err := IssueToken(cfg, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown user")
	}
}
