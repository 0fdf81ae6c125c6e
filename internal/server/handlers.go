package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/relay/internal/gateway"
	"github.com/michaelbrown/relay/internal/llm"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Chat ---

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
}

// chatEvent is one streamed payload. Type is one of session, text_delta,
// tool_call, done, error.
type chatEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Content   string     `json:"content,omitempty"`
	Name      string     `json:"name,omitempty"`
	ID        string     `json:"id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Class     string     `json:"class,omitempty"`
	Usage     *llm.Usage `json:"usage,omitempty"`
}

// handleChat runs one exchange and streams it back as SSE.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sess, g, err := s.openExchange(req.SessionID, req.Provider, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(ev chatEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	emit(chatEvent{Type: "session", SessionID: sess.ID})
	s.runExchange(r.Context(), sess, g, req.Content, emit)
}

// openExchange resolves the adapter, gateway, and session for one chat
// request. An existing session pins provider and model; a new one adopts
// whatever the request (or the config defaults) named.
func (s *Server) openExchange(sessionID, providerName, model string) (*Session, *gateway.Gateway, error) {
	sess, ok := s.sessions.Get(sessionID)
	if ok {
		providerName = sess.Provider
		model = sess.Model
	}

	adapter, pcfg, err := s.cfg.Adapter(providerName)
	if err != nil {
		return nil, nil, err
	}
	model = pcfg.Model(model)

	if !ok {
		name, _, _ := s.cfg.Provider(providerName)
		sess = s.sessions.GetOrCreate(sessionID, name, model)
	}

	g := gateway.New(adapter, nil, s.registry)
	if s.cfg.Gateway.MaxToolIterations > 0 {
		g.MaxToolIterations = s.cfg.Gateway.MaxToolIterations
	}
	if retry := s.cfg.GatewayRetry(); retry.MaxAttempts > 0 {
		g.Retry = retry
	}
	return sess, g, nil
}

// runExchange drives the gateway for one user message, emitting events as
// chunks arrive and folding the final history back into the session.
func (s *Server) runExchange(ctx context.Context, sess *Session, g *gateway.Gateway, content string, emit func(chatEvent)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.Begin(cancel)

	messages := append(sess.History(), llm.UserMessage(content))
	st := g.Run(ctx, gateway.Params{Model: sess.Model, Messages: messages})

	for st.Next() {
		chunk := st.Chunk()
		if chunk.ContentDelta != "" {
			emit(chatEvent{Type: "text_delta", Content: chunk.ContentDelta})
		}
		for _, tc := range chunk.ToolCallDeltas {
			// The first fragment of a call carries its name.
			if tc.Name != "" {
				emit(chatEvent{Type: "tool_call", ID: tc.ID, Name: tc.Name})
			}
		}
	}

	if err := st.Err(); err != nil {
		sess.End(nil)
		emit(chatEvent{Type: "error", Error: err.Error(), Class: llm.Classify(err)})
		return
	}

	history := st.Messages()
	sess.End(history)

	usage := st.Usage()
	emit(chatEvent{
		Type:    "done",
		Content: finalAssistantText(history),
		Usage:   &usage,
	})
}

func finalAssistantText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// --- Providers ---

type providerInfo struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	DefaultModel string            `json:"default_model,omitempty"`
	Models       map[string]string `json:"models,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]providerInfo, 0, len(s.cfg.Providers))
	for name, p := range s.cfg.Providers {
		kind := p.Kind
		if kind == "" {
			kind = name
		}
		providers = append(providers, providerInfo{
			Name:         name,
			Kind:         kind,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	writeJSON(w, http.StatusOK, providers)
}

// --- Sessions ---

type sessionInfo struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Created  time.Time `json:"created"`
	Messages int       `json:"messages"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := s.sessions.List()
	out := make([]sessionInfo, 0, len(all))
	for _, sess := range all {
		out = append(out, sessionInfo{
			ID:       sess.ID,
			Provider: sess.Provider,
			Model:    sess.Model,
			Created:  sess.Created,
			Messages: sess.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.History())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Remove(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
