package browser

import (
	"errors"
	"testing"
)

func TestCollapseBlankLines(t *testing.T) {
	got := collapseBlankLines("  hello \n\n\n  world\n \n")
	if got != "hello\nworld" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestAvailable(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })

	lookPath = func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", errors.New("not found")
	}
	if !Available() {
		t.Fatal("expected chromium to be found")
	}

	lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if Available() {
		t.Fatal("expected no browser")
	}
}

func TestNewBridge_Defaults(t *testing.T) {
	b := NewBridge(BridgeConfig{})
	if b.profileDir == "" {
		t.Fatal("expected default profile dir")
	}
	if b.timeout != defaultRenderTimeout {
		t.Fatalf("expected default timeout, got %v", b.timeout)
	}
}
