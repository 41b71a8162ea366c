package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"chimein/internal/config"
	"chimein/internal/domain"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// guardedTools are the tools whose inputs can reach outside the sandbox.
var guardedTools = map[string]bool{
	"python":    true,
	"web_fetch": true,
}

// Engine applies blacklist/whitelist pattern matching to tool inputs.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger AuditLogger
	logger      *slog.Logger

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
}

var _ domain.ToolGuard = (*Engine)(nil)

func NewEngine(cfg config.SecurityConfig, auditLogger AuditLogger, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}

	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}

	return e, nil
}

// Check evaluates input for toolName. Blacklist wins over whitelist; anything
// matching neither falls to the default policy.
func (e *Engine) Check(ctx context.Context, toolName string, input string) (domain.SecurityAction, error) {
	if !guardedTools[toolName] {
		return domain.ActionAllow, nil
	}
	cmd := strings.TrimSpace(input)

	for _, re := range e.blacklistRe {
		if re.MatchString(cmd) {
			e.logger.Warn("tool input BLOCKED by blacklist",
				"tool", toolName,
				"input", truncate(cmd, 200),
				"pattern", re.String(),
			)
			e.logAction(ctx, "tool_blocked", toolName, cmd, "blocked", "blacklist match: "+re.String())
			return domain.ActionBlock, nil
		}
	}

	for _, re := range e.whitelistRe {
		if re.MatchString(cmd) {
			e.logAction(ctx, "tool_exec", toolName, cmd, "allowed", "whitelist match: "+re.String())
			return domain.ActionAllow, nil
		}
	}

	if e.cfg.DefaultPolicy == "deny" {
		e.logAction(ctx, "tool_blocked", toolName, cmd, "blocked", "default policy: deny")
		return domain.ActionBlock, nil
	}
	e.logAction(ctx, "tool_exec", toolName, cmd, "allowed", "default policy: allow")
	return domain.ActionAllow, nil
}

func (e *Engine) logAction(ctx context.Context, action, toolName, command, result, details string) {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return
	}
	err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  command,
		Result:   result,
		Details:  details,
	})
	if err != nil {
		e.logger.Warn("audit write failed", "tool", toolName, "err", err)
	}
}

// Simple strings are converted to substring-match patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
