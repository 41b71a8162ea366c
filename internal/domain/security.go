package domain

import "context"

type SecurityAction string

const (
	ActionAllow SecurityAction = "allow"
	ActionBlock SecurityAction = "block"
)

// ToolGuard evaluates tool inputs against the configured policy.
type ToolGuard interface {
	Check(ctx context.Context, toolName string, input string) (SecurityAction, error)
}
