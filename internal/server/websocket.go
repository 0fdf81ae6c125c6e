package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is handled upstream of this server
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleChatWS is the WebSocket variant of the chat endpoint. The
// connection carries one session; session, provider, and model are chosen
// by query parameters on the upgrade request.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, g, err := s.openExchange(q.Get("session_id"), q.Get("provider"), q.Get("model"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// Writes can race between the exchange loop and error replies.
	var wsMu sync.Mutex
	emit := func(ev chatEvent) {
		wsMu.Lock()
		defer wsMu.Unlock()
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("websocket write error: %v", err)
		}
	}

	emit(chatEvent{Type: "session", SessionID: sess.ID})

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Printf("websocket read error: %v", err)
			return
		}

		if msg.Type != "message" || msg.Content == "" {
			emit(chatEvent{Type: "error", Error: "invalid message"})
			continue
		}

		s.runExchange(r.Context(), sess, g, msg.Content, emit)
	}
}
