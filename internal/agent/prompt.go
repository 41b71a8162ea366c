package agent

import (
	"fmt"
	"strings"
	"time"

	"chimein/internal/domain"
	"chimein/internal/persona"
	"chimein/internal/tool"
)

// PromptBuilder renders the system prompts and transcript turns for the
// decision and generation oracles.
type PromptBuilder struct {
	persona *persona.Persona
	tools   []tool.Kind
	now     func() time.Time
}

func NewPromptBuilder(p *persona.Persona, tools []tool.Kind) *PromptBuilder {
	if p == nil {
		p = persona.Default()
	}
	return &PromptBuilder{persona: p, tools: tools, now: time.Now}
}

func (b *PromptBuilder) DecisionSystem(ratio float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a participant in a group chat.\n", b.persona.Name)
	sb.WriteString("Nobody addressed you directly. Decide whether posting a message right now would genuinely add to the conversation.\n\n")
	sb.WriteString("Respond only when you can answer an open question, correct a clear mistake, or contribute something people would welcome. ")
	sb.WriteString("Stay silent during small talk between others, when the question was already answered, or when you would only be agreeing.\n\n")
	fmt.Fprintf(&sb, "Share of recent messages written by you: %.0f%%. The higher this is, the stronger the reason you need to speak.\n\n", ratio*100)
	sb.WriteString("Answer with a JSON object: {\"should_respond\": bool, \"reason\": string, \"target_message_id\": string}. ")
	sb.WriteString("Set target_message_id to the id of the message you would reply to, or leave it empty for a standalone post.")
	return sb.String()
}

func (b *PromptBuilder) GenerationSystem(job domain.DispatchJob) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a participant in a group chat.\n", b.persona.Name)
	if style := strings.TrimSpace(b.persona.Style); style != "" {
		sb.WriteString("Style: ")
		sb.WriteString(style)
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "Current time: %s\n\n", b.now().Format(time.RFC1123))

	switch job.Kind {
	case domain.JobDirect:
		if job.Trigger != nil {
			fmt.Fprintf(&sb, "%s addressed you directly in message %s. Reply to them.\n", job.Trigger.AuthorName, job.Trigger.ID)
		}
	case domain.JobAutonomous:
		sb.WriteString("You decided to join the conversation on your own")
		if job.Reason != "" {
			fmt.Fprintf(&sb, " because: %s", job.Reason)
		}
		sb.WriteString(".\n")
	}

	if len(b.tools) > 0 {
		sb.WriteString("\nTools you can run before answering:\n")
		for _, k := range b.tools {
			fmt.Fprintf(&sb, "- %s: %s\n", k, toolHelp(k))
		}
		sb.WriteString("Only use a tool when the answer depends on computation or information you do not have.\n")
	}

	sb.WriteString("\nAnswer with a JSON object: {\"message\": string, \"needs_tool\": bool, \"continue_iterating\": bool, \"tool\": {\"name\": string, \"input\": string}}. ")
	sb.WriteString("When needs_tool is false, message is the final reply that will be posted as-is. Keep it short and conversational.")
	return sb.String()
}

func toolHelp(k tool.Kind) string {
	switch k {
	case tool.Python:
		return "run Python 3 code in a sandbox without network access; print what you need to see"
	case tool.WebSearch:
		return "search the web; input is the query"
	case tool.WebFetch:
		return "fetch a web page as text; input is the URL"
	}
	return ""
}

// TranscriptTurns renders a window as the single user turn both oracles read.
func (b *PromptBuilder) TranscriptTurns(window []domain.Message) []domain.Turn {
	transcript := FormatTranscript(window, b.persona.Name)
	if transcript == "" {
		transcript = "(no recent messages)\n"
	}
	return []domain.Turn{{Role: "user", Content: "Recent conversation:\n" + transcript}}
}

// ToolFeedback is the user turn fed back after a tool ran. It shows the latest
// attempt, a summary of every attempt so far, and asks the oracle to reflect.
func ToolFeedback(latest domain.ToolAttempt, all []domain.ToolAttempt, remaining int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool result (iteration %d, %s): ", latest.Iteration, latest.Tool)
	if latest.Success {
		sb.WriteString("success\n")
		sb.WriteString(latest.Output)
	} else {
		sb.WriteString("failed\n")
		sb.WriteString(latest.Error)
	}
	sb.WriteString("\n\nAttempts so far:\n")
	for _, a := range all {
		status := "ok"
		detail := a.Output
		if !a.Success {
			status = "failed"
			detail = a.Error
		}
		fmt.Fprintf(&sb, "%d. %s [%s] input=%q -> %s\n", a.Iteration, a.Tool, status, a.Input, firstLine(detail))
	}
	sb.WriteString("\nReflect on what worked and what did not before deciding the next step. ")
	if remaining > 0 {
		fmt.Fprintf(&sb, "You have %d tool call(s) left. ", remaining)
	} else {
		sb.WriteString("No tool calls are left, so give your final message now. ")
	}
	sb.WriteString("Answer with the same JSON object.")
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
