// ticket-ops is an MCP stdio server exposing a small ticketing system:
// create, look up, list, and resolve tickets held in an in-memory store.
// It stands in for the kind of business tool a model calls through the
// gateway's tool boundary.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type ticket struct {
	ID       string
	Title    string
	Body     string
	Priority string
	Status   string
	Created  time.Time
}

type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]*ticket
	next    int
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]*ticket)}
}

func (ts *ticketStore) create(title, body, priority string) *ticket {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.next++
	t := &ticket{
		ID:       fmt.Sprintf("TKT-%d", ts.next),
		Title:    title,
		Body:     body,
		Priority: priority,
		Status:   "open",
		Created:  time.Now(),
	}
	ts.tickets[t.ID] = t
	return t
}

func (ts *ticketStore) get(id string) (*ticket, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tickets[id]
	return t, ok
}

func (ts *ticketStore) list(status string) []*ticket {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []*ticket
	for _, t := range ts.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ts *ticketStore) resolve(id string) (*ticket, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tickets[id]
	if !ok {
		return nil, false
	}
	t.Status = "resolved"
	return t, true
}

func formatTicket(t *ticket) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s\n", t.ID, t.Status, t.Title)
	fmt.Fprintf(&sb, "Priority: %s | Created: %s\n", t.Priority, t.Created.Format(time.RFC3339))
	if t.Body != "" {
		sb.WriteString(t.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}

func main() {
	store := newTicketStore()
	s := server.NewMCPServer("relay-ticket-ops", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "ticket_create",
		Description: "Create a support ticket. Returns the new ticket id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short summary of the issue",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Full description (optional)",
				},
				"priority": map[string]any{
					"type":        "string",
					"description": "One of low, medium, high (default medium)",
				},
			},
			Required: []string{"title"},
		},
	}, handleCreate(store))

	s.AddTool(mcp.Tool{
		Name:        "ticket_get",
		Description: "Look up a ticket by id.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Ticket id, e.g. TKT-1",
				},
			},
			Required: []string{"id"},
		},
	}, handleGet(store))

	s.AddTool(mcp.Tool{
		Name:        "ticket_list",
		Description: "List tickets, optionally filtered by status.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter by status: open or resolved (optional)",
				},
			},
		},
	}, handleList(store))

	s.AddTool(mcp.Tool{
		Name:        "ticket_resolve",
		Description: "Mark a ticket as resolved.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Ticket id, e.g. TKT-1",
				},
			},
			Required: []string{"id"},
		},
	}, handleResolve(store))

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleCreate(store *ticketStore) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}
		title, ok := args["title"].(string)
		if !ok || title == "" {
			return errResult("error: 'title' is required"), nil
		}
		body, _ := args["body"].(string)
		priority, _ := args["priority"].(string)
		switch priority {
		case "":
			priority = "medium"
		case "low", "medium", "high":
		default:
			return errResult("error: priority must be low, medium, or high"), nil
		}

		t := store.create(title, body, priority)
		return textResult(fmt.Sprintf("Created %s", t.ID)), nil
	}
}

func handleGet(store *ticketStore) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		id, _ := args["id"].(string)
		if id == "" {
			return errResult("error: 'id' is required"), nil
		}
		t, ok := store.get(id)
		if !ok {
			return errResult(fmt.Sprintf("error: no such ticket %s", id)), nil
		}
		return textResult(formatTicket(t)), nil
	}
}

func handleList(store *ticketStore) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		status, _ := args["status"].(string)

		tickets := store.list(status)
		if len(tickets) == 0 {
			return textResult("No tickets found."), nil
		}
		var sb strings.Builder
		for _, t := range tickets {
			fmt.Fprintf(&sb, "%s [%s] %s\n", t.ID, t.Status, t.Title)
		}
		return textResult(sb.String()), nil
	}
}

func handleResolve(store *ticketStore) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		id, _ := args["id"].(string)
		if id == "" {
			return errResult("error: 'id' is required"), nil
		}
		t, ok := store.resolve(id)
		if !ok {
			return errResult(fmt.Sprintf("error: no such ticket %s", id)), nil
		}
		return textResult(fmt.Sprintf("%s resolved", t.ID)), nil
	}
}
