package llm

import "fmt"

// ValidateMessage checks the structural invariants of a single message.
func ValidateMessage(m Message) error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}

	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message missing tool_call_id")
	}
	if m.Role != RoleTool && m.ToolCallID != "" {
		return fmt.Errorf("%s message must not carry tool_call_id", m.Role)
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("%s message must not carry tool calls", m.Role)
	}

	for i, p := range m.Parts {
		switch p.Type {
		case PartText, PartImage:
		default:
			return fmt.Errorf("part %d: invalid type %q", i, p.Type)
		}
	}
	return nil
}

// ValidateConversation checks cross-message invariants: every tool message
// must answer a tool call issued by a preceding assistant message, and an
// assistant message with pending tool calls must be answered before the
// next assistant turn.
func ValidateConversation(messages []Message) error {
	pending := make(map[string]bool)

	for i, m := range messages {
		if err := ValidateMessage(m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}

		switch m.Role {
		case RoleAssistant:
			if len(pending) > 0 {
				return fmt.Errorf("message %d: assistant turn while %d tool calls are unanswered", i, len(pending))
			}
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					return fmt.Errorf("message %d: tool call %q missing id", i, tc.Name)
				}
				pending[tc.ID] = true
			}
		case RoleTool:
			if !pending[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result for unknown call %q", i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		}
	}
	return nil
}
