package security

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"chimein/internal/config"
	"chimein/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingAudit keeps audit entries in memory.
type recordingAudit struct {
	entries []domain.AuditEntry
	err     error
}

func (r *recordingAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.entries = append(r.entries, entry)
	return r.err
}

func mustEngine(t *testing.T, cfg config.SecurityConfig, audit AuditLogger) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, audit, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCheck_DefaultBlacklist(t *testing.T) {
	e := mustEngine(t, config.Defaults().Security, &recordingAudit{})
	ctx := context.Background()

	blocked := []struct{ tool, input string }{
		{"python", "import os\nos.system('ls')"},
		{"python", "import subprocess; subprocess.run(['id'])"},
		{"python", "import shutil; shutil.rmtree('/')"},
		{"web_fetch", "file:///etc/passwd"},
		{"web_fetch", "http://169.254.169.254/latest/meta-data"},
		{"web_fetch", "http://localhost:8080/admin"},
		{"web_fetch", "https://192.168.1.1/"},
	}
	for _, c := range blocked {
		action, err := e.Check(ctx, c.tool, c.input)
		if err != nil {
			t.Fatal(err)
		}
		if action != domain.ActionBlock {
			t.Errorf("expected block for %s %q, got %v", c.tool, c.input, action)
		}
	}

	allowed := []struct{ tool, input string }{
		{"python", "print(sum(range(10)))"},
		{"web_fetch", "https://go.dev/doc/"},
		{"web_search", "how does subprocess work"},
	}
	for _, c := range allowed {
		action, err := e.Check(ctx, c.tool, c.input)
		if err != nil {
			t.Fatal(err)
		}
		if action != domain.ActionAllow {
			t.Errorf("expected allow for %s %q, got %v", c.tool, c.input, action)
		}
	}
}

func TestCheck_WhitelistOverridesDenyPolicy(t *testing.T) {
	e := mustEngine(t, config.SecurityConfig{
		DefaultPolicy: "deny",
		Whitelist:     []string{`^https://docs\.python\.org/`},
	}, &recordingAudit{})
	ctx := context.Background()

	if a, _ := e.Check(ctx, "web_fetch", "https://docs.python.org/3/"); a != domain.ActionAllow {
		t.Fatalf("expected whitelist allow, got %v", a)
	}
	if a, _ := e.Check(ctx, "web_fetch", "https://example.com/"); a != domain.ActionBlock {
		t.Fatalf("expected deny policy block, got %v", a)
	}
}

func TestCheck_BlacklistBeatsWhitelist(t *testing.T) {
	e := mustEngine(t, config.SecurityConfig{
		DefaultPolicy: "allow",
		Blacklist:     []string{"rm -rf"},
		Whitelist:     []string{"print"},
	}, &recordingAudit{})
	if a, _ := e.Check(context.Background(), "python", "print('rm -rf')"); a != domain.ActionBlock {
		t.Fatalf("expected block, got %v", a)
	}
}

func TestCheck_AuditEntries(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, config.SecurityConfig{DefaultPolicy: "allow", Blacklist: []string{"subprocess"}, AuditLog: true}, audit)
	ctx := context.Background()

	e.Check(ctx, "python", "print(1)")
	e.Check(ctx, "python", "import subprocess")
	e.Check(ctx, "web_search", "anything")

	if len(audit.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].Result != "allowed" || audit.entries[1].Result != "blocked" {
		t.Fatalf("unexpected audit results: %+v", audit.entries)
	}
	if audit.entries[1].Action != "tool_blocked" {
		t.Fatalf("unexpected action %q", audit.entries[1].Action)
	}
}

func TestCheck_AuditDisabled(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, config.SecurityConfig{DefaultPolicy: "allow"}, audit)
	e.Check(context.Background(), "python", "print(1)")
	if len(audit.entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(audit.entries))
	}
}

func TestCheck_AuditFailureDoesNotBlock(t *testing.T) {
	audit := &recordingAudit{err: errors.New("disk full")}
	e := mustEngine(t, config.SecurityConfig{DefaultPolicy: "allow", AuditLog: true}, audit)
	a, err := e.Check(context.Background(), "python", "print(1)")
	if err != nil || a != domain.ActionAllow {
		t.Fatalf("expected allow despite audit error, got %v %v", a, err)
	}
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{Blacklist: []string{"("}}, nil, testLogger())
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestIsRegex(t *testing.T) {
	if isRegex("rm -rf") {
		t.Error("plain string reported as regex")
	}
	if !isRegex(`^file://`) {
		t.Error("anchored pattern not reported as regex")
	}
}
