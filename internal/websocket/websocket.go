package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"submission-orchestrator/internal/models"
)

// SnapshotFunc reads the current status of one submission.
type SnapshotFunc func(ctx context.Context, submissionID string) (models.StatusSnapshot, error)

// MetricsFunc reads the per-state counts.
type MetricsFunc func(ctx context.Context) (*models.Metrics, error)

// Update is one pushed frame. Subscribers of a submission get its status;
// dashboard connections (no submissionId) get metrics.
type Update struct {
	Type    string                 `json:"type"`
	Status  *models.StatusSnapshot `json:"status,omitempty"`
	Metrics *models.Metrics        `json:"metrics,omitempty"`
}

const writeWait = 5 * time.Second

type client struct {
	conn         *websocket.Conn
	submissionID string
	writeMu      sync.Mutex
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*client]bool
	clientsMu sync.Mutex
	snapshot  SnapshotFunc
	metrics   MetricsFunc
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// New creates a new WebSocket manager
func New(snapshot SnapshotFunc, metrics MetricsFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request. ?submissionId= subscribes to one submission.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	m.AddClient(conn, r.URL.Query().Get("submissionId"))
}

// AddClient registers conn and sends it the current state.
func (m *Manager) AddClient(conn *websocket.Conn, submissionID string) {
	c := &client{conn: conn, submissionID: submissionID}

	m.clientsMu.Lock()
	m.clients[c] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info("websocket client connected", "submission_id", submissionID, "clients", total)

	m.send(c)

	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, c)
			total := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			m.logger.Info("websocket client disconnected", "submission_id", submissionID, "clients", total)
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Notify pushes the latest state of submissionID to its subscribers and
// fresh metrics to dashboard connections.
func (m *Manager) Notify(submissionID string) {
	m.clientsMu.Lock()
	targets := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		if c.submissionID == "" || c.submissionID == submissionID {
			targets = append(targets, c)
		}
	}
	m.clientsMu.Unlock()

	for _, c := range targets {
		go m.send(c)
	}
}

func (m *Manager) send(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	var update Update
	if c.submissionID != "" {
		snap, err := m.snapshot(ctx, c.submissionID)
		if err != nil {
			m.logger.Warn("websocket snapshot failed", "submission_id", c.submissionID, "error", err)
			return
		}
		update = Update{Type: "status", Status: &snap}
	} else {
		metrics, err := m.metrics(ctx)
		if err != nil {
			m.logger.Warn("websocket metrics failed", "error", err)
			return
		}
		update = Update{Type: "metrics", Metrics: metrics}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(update); err != nil {
		m.logger.Warn("websocket write failed", "submission_id", c.submissionID, "error", err)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
