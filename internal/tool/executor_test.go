package tool

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"chimein/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubGuard struct {
	action domain.SecurityAction
	calls  []string
}

func (g *stubGuard) Check(ctx context.Context, toolName, input string) (domain.SecurityAction, error) {
	g.calls = append(g.calls, toolName+":"+input)
	return g.action, nil
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Logger: testLogger()})
	_, err := e.Execute(context.Background(), ParseKind("teleport"), "x")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestExecutor_GuardBlocks(t *testing.T) {
	guard := &stubGuard{action: domain.ActionBlock}
	e := NewExecutor(ExecutorConfig{Guard: guard, Fetch: NewFetchTool(0, 0, nil), Logger: testLogger()})

	_, err := e.Execute(context.Background(), WebFetch, "http://169.254.169.254/")
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("expected block error, got %v", err)
	}
	if len(guard.calls) != 1 || !strings.HasPrefix(guard.calls[0], "web_fetch:") {
		t.Fatalf("guard not consulted: %v", guard.calls)
	}
}

func TestExecutor_RoutesSearchKindToSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ddgResultsPage))
	}))
	defer srv.Close()

	search := NewSearchTool(time.Second)
	search.endpoint = srv.URL + "/html/"
	guard := &stubGuard{action: domain.ActionAllow}
	e := NewExecutor(ExecutorConfig{Search: search, Guard: guard, Logger: testLogger()})

	out, err := e.Execute(context.Background(), ParseKind("web_search"), "golang")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "https://go.dev/") {
		t.Fatalf("expected search results, got %q", out)
	}
	if len(guard.calls) != 1 || guard.calls[0] != "web_search:golang" {
		t.Fatalf("guard not consulted: %v", guard.calls)
	}
}

func TestExecutor_DisabledPython(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Python: NewPythonSandbox(PythonSandboxConfig{Logger: testLogger()}), Logger: testLogger()})
	if _, err := e.Execute(context.Background(), Python, "print(1)"); err == nil {
		t.Fatal("expected error for disabled python")
	}
}

func TestExecutor_MissingSearch(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Logger: testLogger()})
	if _, err := e.Execute(context.Background(), WebSearch, "go"); err == nil {
		t.Fatal("expected error for unconfigured search")
	}
}

func TestPythonSandbox_Args(t *testing.T) {
	ps := NewPythonSandbox(PythonSandboxConfig{Enabled: true, Logger: testLogger()})
	args := strings.Join(ps.dockerArgs("print(1)"), " ")
	for _, want := range []string{"--network none", "--read-only", "python:3.12-alpine", "python3 -c print(1)"} {
		if !strings.Contains(args, want) {
			t.Errorf("docker args missing %q: %s", want, args)
		}
	}
}

func TestPythonSandbox_RunCapturesOutput(t *testing.T) {
	ps := NewPythonSandbox(PythonSandboxConfig{Enabled: true, Logger: testLogger()})
	ps.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo 42")
	}
	out, err := ps.Run(context.Background(), "print(6*7)")
	if err != nil {
		t.Fatal(err)
	}
	if out != "42" {
		t.Fatalf("expected 42, got %q", out)
	}
}

func TestPythonSandbox_RunFailure(t *testing.T) {
	ps := NewPythonSandbox(PythonSandboxConfig{Enabled: true, Logger: testLogger()})
	ps.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo boom >&2; exit 1")
	}
	out, err := ps.Run(context.Background(), "raise Exception()")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out, "boom") {
		t.Fatalf("expected stderr in output, got %q", out)
	}
}

func TestPythonSandbox_EmptyCode(t *testing.T) {
	ps := NewPythonSandbox(PythonSandboxConfig{Enabled: true, Logger: testLogger()})
	if _, err := ps.Run(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty code")
	}
}
