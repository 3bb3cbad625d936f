package voxserv

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bosley/voxprobe/console"
	"github.com/bosley/voxprobe/pipeline"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

type pipelineStatus struct {
	pipeline.Status
	Recent []pipeline.RecentMessage `json:"recent"`
}

type statusResponse struct {
	Meeting     *pipelineStatus `json:"meeting,omitempty"`
	Enrollment  *pipelineStatus `json:"enrollment,omitempty"`
	Logs        int             `json:"logs"`
	Responses   int             `json:"responses"`
	Subscribers int             `json:"subscribers"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.config.Log.Entries())
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	responses := []console.Response{}
	if s.config.Responses != nil {
		responses = s.config.Responses.Items()
	}
	writeJSON(w, responses)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Meeting:     describe(s.config.Meeting),
		Enrollment:  describe(s.config.Enrollment),
		Logs:        len(s.config.Log.Entries()),
		Subscribers: s.subscribers.Len(),
	}
	if s.config.Responses != nil {
		resp.Responses = s.config.Responses.Len()
	}
	writeJSON(w, resp)
}

func describe(p Pipeline) *pipelineStatus {
	if p == nil {
		return nil
	}
	return &pipelineStatus{Status: p.Status(), Recent: p.Recent()}
}

// handleLogFeed streams the retained log, then every new entry, as JSON text
// frames.
func (s *Server) handleLogFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(r.RemoteAddr, sendBuffer)
	for _, entry := range s.config.Log.Entries() {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		select {
		case sub.send <- data:
		default:
		}
	}
	s.subscribers.Add(sub)

	slog.Debug("Log feed subscriber connected", "subscriberID", sub.ID, "addr", sub.Addr)

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to process pongs and notice the peer going away.
func (s *Server) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		s.subscribers.Remove(sub.ID)
		conn.Close()
		slog.Debug("Log feed subscriber disconnected", "subscriberID", sub.ID)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}
