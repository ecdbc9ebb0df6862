package service

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docverse/docsim-be/types"
)

// Notifier publishes pipeline progress to interested parties.
type Notifier interface {
	Broadcast(status types.ProcessingStatus)
}

// NopNotifier drops every status update; used by the CLI commands.
type NopNotifier struct{}

func (NopNotifier) Broadcast(types.ProcessingStatus) {}

// NotifyService fans processing status updates out to websocket subscribers.
type NotifyService struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
}

func NewNotifyService() *NotifyService {
	return &NotifyService{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins (adjust for production)
			},
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleStatus upgrades the request and keeps the connection subscribed until
// the client goes away.
func (s *NotifyService) HandleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}
	conn.SetReadLimit(4 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Keepalive pings; the read loop below notices the disconnect.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}

// Broadcast sends the status to every subscriber. Slow or broken connections
// are dropped.
func (s *NotifyService) Broadcast(status types.ProcessingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			log.Printf("WebSocket write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}
