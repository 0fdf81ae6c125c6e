package llm

import (
	"context"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"user", UserMessage("hi"), false},
		{"system", SystemMessage("be brief"), false},
		{"bad role", Message{Role: "moderator", Content: "x"}, true},
		{"tool without id", Message{Role: RoleTool, Content: "x"}, true},
		{"tool with id", Message{Role: RoleTool, Content: "x", ToolCallID: "c1"}, false},
		{"user with tool_call_id", Message{Role: RoleUser, Content: "x", ToolCallID: "c1"}, true},
		{"user with tool calls", Message{Role: RoleUser, ToolCalls: []ToolCall{{ID: "c1", Name: "f"}}}, true},
		{"assistant with tool calls", Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "f"}}}, false},
		{"bad part type", Message{Role: RoleUser, Parts: []Part{{Type: "audio"}}}, true},
		{"text and image parts", Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: "x"}, {Type: PartImage, ImageURL: "http://e/x.png"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.msg)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateConversation(t *testing.T) {
	assistantCall := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "lookup"}}}

	cases := []struct {
		name    string
		msgs    []Message
		wantErr bool
	}{
		{
			"simple exchange",
			[]Message{UserMessage("hi"), AssistantMessage("hello")},
			false,
		},
		{
			"tool round trip",
			[]Message{
				UserMessage("look it up"),
				assistantCall,
				{Role: RoleTool, ToolCallID: "c1", Content: "found"},
				AssistantMessage("here you go"),
			},
			false,
		},
		{
			"assistant turn with unanswered calls",
			[]Message{UserMessage("x"), assistantCall, AssistantMessage("never mind")},
			true,
		},
		{
			"tool result for unknown call",
			[]Message{UserMessage("x"), {Role: RoleTool, ToolCallID: "ghost", Content: "?"}},
			true,
		},
		{
			"tool call without id",
			[]Message{{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "lookup"}}}},
			true,
		},
		{
			"duplicate answer",
			[]Message{
				assistantCall,
				{Role: RoleTool, ToolCallID: "c1", Content: "a"},
				{Role: RoleTool, ToolCallID: "c1", Content: "b"},
			},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConversation(tc.msgs)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResultMessage(ToolResult{ToolCallID: "c1", Name: "lookup", Content: `{"v":1}`}, "lookup")
	if msg.Role != RoleTool || msg.ToolCallID != "c1" || msg.Content != `{"v":1}` {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Meta != nil {
		t.Error("matching echo name should not be recorded")
	}

	errMsg := ToolResultMessage(ToolResult{ToolCallID: "c2", Name: "lookup", Err: &ToolError{Code: ToolTimeout, Tool: "lookup", Err: context.DeadlineExceeded}}, "lookup_lookup")
	if errMsg.Meta[MetaEchoName] != "lookup_lookup" {
		t.Errorf("echo name not recorded: %v", errMsg.Meta)
	}
	if !strings.HasPrefix(errMsg.Content, "error:") {
		t.Errorf("error result content %q", errMsg.Content)
	}
}

func TestMessageText(t *testing.T) {
	if got := UserMessage("plain").Text(); got != "plain" {
		t.Errorf("got %q", got)
	}
	parts := Message{Role: RoleUser, Parts: []Part{
		{Type: PartText, Text: "see"},
		{Type: PartImage, ImageURL: "http://e/x.png"},
		{Type: PartText, Text: "this"},
	}}
	if got := parts.Text(); got != "seethis" {
		t.Errorf("got %q", got)
	}
}
