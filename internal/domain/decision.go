package domain

import "time"

// Decision records one "should the agent speak" evaluation, successful or not.
type Decision struct {
	ID                  int64     `json:"id"`
	ChannelID           string    `json:"channel_id"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
	MessageCount        int       `json:"message_count"`
	ShouldRespond       bool      `json:"should_respond"`
	TargetMessageID     string    `json:"target_message_id,omitempty"`
	Reason              string    `json:"reason"`
	EvaluatedMessageIDs []string  `json:"evaluated_message_ids"`
	DominanceRatio      float64   `json:"dominance_ratio"`
	Failed              bool      `json:"failed"`
	Sent                bool      `json:"sent"`
}

// ResponseRecord records a reply the agent produced and delivered.
type ResponseRecord struct {
	ID           int64         `json:"id"`
	ChannelID    string        `json:"channel_id"`
	MessageID    string        `json:"message_id"`
	JobKind      JobKind       `json:"job_kind"`
	DecisionID   int64         `json:"decision_id,omitempty"`
	TriggerID    string        `json:"trigger_id,omitempty"`
	Body         string        `json:"body"`
	ToolAttempts []ToolAttempt `json:"tool_attempts,omitempty"`
	OracleCalls  int           `json:"oracle_calls"`
	LatencyMs    int64         `json:"latency_ms"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AuditEntry is one security check outcome for a tool input.
type AuditEntry struct {
	Action   string // tool_exec | tool_blocked
	ToolName string
	Command  string
	Result   string // allowed | blocked
	Details  string
}
