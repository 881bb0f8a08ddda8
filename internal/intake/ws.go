package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homu-dev/homu/internal/supervisor"
)

// pullView is the dashboard's serialization of one tracked pull request.
type pullView struct {
	Num        int    `json:"num"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	ApprovedBy string `json:"approved_by,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Rollup     bool   `json:"rollup,omitempty"`
	Try        bool   `json:"try,omitempty"`
	HeadSHA    string `json:"head_sha"`
	Mergeable  string `json:"mergeable"`
	BuildURL   string `json:"build_url,omitempty"`
}

// snapshotJSON serializes every repository's queue, ordered by number.
func (s *Server) snapshotJSON(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := make(map[string][]pullView)
	var snapErr error
	s.mgr.Each(func(sup *supervisor.Supervisor) {
		if snapErr != nil {
			return
		}
		snap, err := sup.Snapshot(ctx)
		if err != nil {
			snapErr = err
			return
		}
		views := make([]pullView, 0, len(snap))
		for _, p := range snap {
			views = append(views, pullView{
				Num:        p.Num,
				Title:      p.Title,
				Status:     string(p.Status),
				ApprovedBy: p.ApprovedBy,
				Priority:   p.Priority,
				Rollup:     p.Rollup,
				Try:        p.Try,
				HeadSHA:    p.HeadSHA,
				Mergeable:  string(p.Mergeable),
				BuildURL:   p.BuildURL,
			})
		}
		out[sup.Repo().Label] = views
	})
	if snapErr != nil {
		return nil, snapErr
	}
	return json.Marshal(out)
}

// handleDashboard serves the queue state as JSON.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	payload, err := s.snapshotJSON(r.Context())
	if err != nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS upgrades the connection and streams queue snapshots: one on
// connect, then one whenever a supervisor reports a change.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The connection allows only one writer at a time, so the initial
	// snapshot must be written before the hub can start broadcasting to it.
	if payload, err := s.snapshotJSON(r.Context()); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return
		}
	}
	s.hub.add(conn)
	defer s.hub.remove(conn)

	// Drain (and discard) client messages so pings are answered and closes
	// are noticed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// hub fans queue snapshots out to connected websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	conn.Close()
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) == 0
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}
