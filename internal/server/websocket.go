package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/go-hls-offline/internal/downloader"
	"github.com/opd-ai/go-hls-offline/internal/storage"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressUpdate is one message pushed to WebSocket clients.
type ProgressUpdate struct {
	Type      string              `json:"type"` // status, task
	Task      *downloader.Task    `json:"task,omitempty"`
	Tasks     []downloader.Task   `json:"tasks,omitempty"`
	Storage   *storage.Accounting `json:"storage,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// clientCommand is the only message clients may send: {"type":"status"}
// asks for a fresh snapshot.
type clientCommand struct {
	Type string `json:"type"`
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn   *websocket.Conn
	send   chan ProgressUpdate
	server *Server
	logger *slog.Logger
}

// handleWebSocket upgrades the connection and streams task updates to it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:   conn,
		send:   make(chan ProgressUpdate, wsSendBuffer),
		server: s,
		logger: s.logger.With("remote_addr", r.RemoteAddr),
	}

	client.logger.Info("WebSocket client connected")

	s.registerWSClient(client)
	client.sendStatus("WebSocket connected successfully")

	go client.writePump()
	go client.readPump()
}

// writePump drains the send channel onto the connection and pings on idle.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("WebSocket write pump stopped")
	}()

	for {
		select {
		case update, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("WebSocket ping error", "error", err)
				return
			}
		}
	}
}

// readPump keeps the read deadline alive and answers status commands. It
// owns unregistration, which closes the send channel.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterWSClient(c)
		c.conn.Close()
		c.logger.Debug("WebSocket read pump stopped")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleTextMessage(message)
		}

		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

func (c *WebSocketClient) handleTextMessage(message []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.logger.Debug("Ignoring malformed WebSocket message", "error", err)
		return
	}

	switch cmd.Type {
	case "status":
		c.sendStatus("")
	default:
		c.logger.Debug("Unknown WebSocket command", "type", cmd.Type)
	}
}

// sendStatus queues a snapshot of every task plus storage accounting.
func (c *WebSocketClient) sendStatus(message string) {
	update := ProgressUpdate{
		Type:      "status",
		Tasks:     c.server.downloads.Tasks(),
		Message:   message,
		Timestamp: time.Now(),
	}

	acc, err := c.server.storage.GetAccounting()
	if err != nil {
		c.logger.Warn("Failed to read storage accounting", "error", err)
	} else {
		update.Storage = acc
	}

	c.server.wsMutex.RLock()
	defer c.server.wsMutex.RUnlock()
	if !c.server.wsClients[c] {
		return
	}

	select {
	case c.send <- update:
	default:
		c.logger.Warn("Failed to send status - channel full")
	}
}

// OnTaskUpdate broadcasts every task transition and progress step.
func (s *Server) OnTaskUpdate(task downloader.Task) {
	s.BroadcastProgressUpdate(ProgressUpdate{
		Type: "task",
		Task: &task,
	})
}

// BroadcastProgressUpdate sends update to all connected clients. Slow clients
// drop messages rather than block the download loop.
func (s *Server) BroadcastProgressUpdate(update ProgressUpdate) {
	update.Timestamp = time.Now()

	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()

	for client := range s.wsClients {
		select {
		case client.send <- update:
		default:
			client.logger.Warn("Failed to send broadcast - client channel full")
		}
	}
}

func (s *Server) registerWSClient(c *WebSocketClient) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	s.wsClients[c] = true
}

// unregisterWSClient removes c and closes its send channel exactly once.
func (s *Server) unregisterWSClient(c *WebSocketClient) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.wsClients[c] {
		delete(s.wsClients, c)
		close(c.send)
	}
}

func (s *Server) closeWSClients() {
	s.wsMutex.Lock()
	clients := make([]*WebSocketClient, 0, len(s.wsClients))
	for c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsMutex.Unlock()

	for _, c := range clients {
		s.unregisterWSClient(c)
	}
}
