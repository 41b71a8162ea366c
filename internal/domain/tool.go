package domain

// ToolAttempt summarizes one tool execution inside a generation call.
type ToolAttempt struct {
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Input     string `json:"input"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Iteration int    `json:"iteration"`
}
