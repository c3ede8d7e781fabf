package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/model"
)

// Notifier pushes task updates to live subscribers.
type Notifier interface {
	Progress(taskID string, progress int, status model.JobStatus, step string)
	Complete(taskID, downloadURL, downloadFilename, artifactURL string)
	Error(taskID, code, message string)
}

// Client represents a WebSocket client
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte

	// pong requests from the reader; only the hub closes Send
	pong chan struct{}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	stopOnce   sync.Once

	logger *logrus.Logger
	mu     sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			h.logger.WithField("task_id", client.TaskID).Debug("WebSocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.WithField("task_id", client.TaskID).Debug("WebSocket client unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients[msg.TaskID] {
				// a slow client misses the update rather than stalling the hub
				select {
				case client.Send <- msg.Message:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run, which closes every client's Send channel so their writers
// send a close frame and exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			close(client.Send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.TaskID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.TaskID)
	}
}

// Subscribers returns the number of clients watching a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Register adds a new client. It reports false once the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Progress sends a progress update to all task subscribers
func (h *Hub) Progress(taskID string, progress int, status model.JobStatus, step string) {
	h.send(taskID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		TaskID:      taskID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// Complete sends a completion message to all task subscribers
func (h *Hub) Complete(taskID, downloadURL, downloadFilename, artifactURL string) {
	h.send(taskID, model.WSCompleteMessage{
		Type:             model.WSMessageTypeComplete,
		TaskID:           taskID,
		DownloadURL:      downloadURL,
		DownloadFilename: downloadFilename,
		ArtifactURL:      artifactURL,
	})
}

// Error sends an error message to all task subscribers
func (h *Hub) Error(taskID, code, message string) {
	h.send(taskID, model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// send never blocks the pipeline; a full queue drops the update.
func (h *Hub) send(taskID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal websocket message")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}:
	default:
		h.logger.WithField("task_id", taskID).Warn("WebSocket broadcast queue full, dropping update")
	}
}

// HandleConnection serves one subscriber until it disconnects. initial, if
// non-nil, is written before any broadcast so the client starts from the
// current task state.
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string, initial []byte) {
	client := &Client{
		TaskID: taskID,
		Conn:   c,
		Send:   make(chan []byte, 256),
		pong:   make(chan struct{}, 1),
	}
	if initial != nil {
		client.Send <- initial
	}

	if !h.Register(client) {
		c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-client.pong:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).WithField("task_id", taskID).Warn("WebSocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case client.pong <- struct{}{}:
			default:
			}
		}
	}
}
