package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // admin dashboard is same-origin in every deployment this ships behind
	},
}

// QueueStatusSource is queried once per broadcast tick for every job the
// scheduler currently knows about.
type QueueStatusSource interface {
	ListAll() []models.Job
	QueueStatus(jobID string) (models.QueueStatus, bool)
}

// AdminWSHandler broadcasts scheduler-wide gate occupancy to connected
// dashboard clients. It is a supplemental surface: no per-job/per-workflow
// SSE endpoint depends on it, and no required endpoint changes behavior if
// it is never dialed.
type AdminWSHandler struct {
	logger arbor.ILogger
	source QueueStatusSource

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

// AdminQueueSnapshot is one broadcast tick's payload: every job currently
// PENDING or RUNNING, plus its queue_status.
type AdminQueueSnapshot struct {
	ActiveWorkers int                     `json:"active_workers"`
	MaxWorkers    int                     `json:"max_workers"`
	Jobs          []AdminJobQueueStatus   `json:"jobs"`
}

// AdminJobQueueStatus pairs a job's identity with its queue_status.
type AdminJobQueueStatus struct {
	JobID  string             `json:"job_id"`
	State  models.JobState    `json:"state"`
	Status models.QueueStatus `json:"status"`
}

// NewAdminWSHandler builds a handler that broadcasts every interval.
func NewAdminWSHandler(source QueueStatusSource, interval time.Duration, logger arbor.ILogger) *AdminWSHandler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &AdminWSHandler{
		logger:   logger,
		source:   source,
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// HandleWebSocket upgrades the connection and registers it for broadcasts.
// The read loop only exists to detect client disconnect; this handler never
// accepts commands from the client.
func (h *AdminWSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade admin queue WebSocket")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()

	h.logger.Info().Int("clients", h.clientCount()).Msg("Admin queue WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info().Int("clients", h.clientCount()).Msg("Admin queue WebSocket client disconnected")
	}()

	h.sendSnapshot(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Start launches the periodic broadcast goroutine. Call Stop to end it.
func (h *AdminWSHandler) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.broadcastSnapshot()
			}
		}
	}()
}

// Stop ends the broadcast goroutine. Safe to call more than once.
func (h *AdminWSHandler) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *AdminWSHandler) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *AdminWSHandler) snapshot() AdminQueueSnapshot {
	jobs := h.source.ListAll()
	out := make([]AdminJobQueueStatus, 0, len(jobs))
	activeWorkers, maxWorkers := 0, 0

	for _, j := range jobs {
		if j.State != models.JobPending && j.State != models.JobRunning {
			continue
		}
		status, ok := h.source.QueueStatus(j.ID)
		if !ok {
			continue
		}
		activeWorkers = status.ActiveWorkers
		maxWorkers = status.MaxWorkers
		out = append(out, AdminJobQueueStatus{JobID: j.ID, State: j.State, Status: status})
	}

	return AdminQueueSnapshot{ActiveWorkers: activeWorkers, MaxWorkers: maxWorkers, Jobs: out}
}

func (h *AdminWSHandler) broadcastSnapshot() {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	clients := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		clients[c] = m
	}
	h.mu.RUnlock()

	data, err := json.Marshal(h.snapshot())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal admin queue snapshot")
		return
	}

	for conn, mutex := range clients {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send admin queue snapshot to client")
		}
	}
}

func (h *AdminWSHandler) sendSnapshot(conn *websocket.Conn) {
	data, err := json.Marshal(h.snapshot())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal initial admin queue snapshot")
		return
	}

	h.mu.RLock()
	mutex := h.clients[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send initial admin queue snapshot")
	}
}
