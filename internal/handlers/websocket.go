package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler pushes pipeline notifications to connected clients. It
// implements services.Broadcaster.
type WebSocketHandler struct {
	hub *WebSocketHub
}

type WebSocketHub struct {
	clients    map[string]*websocket.Conn
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
}

type Client struct {
	PlayerID string
	Conn     *websocket.Conn
}

type Message struct {
	Type     string      `json:"type"`
	PlayerID string      `json:"player_id,omitempty"`
	Data     interface{} `json:"data"`
}

func NewWebSocketHandler() *WebSocketHandler {
	hub := &WebSocketHub{
		clients:    make(map[string]*websocket.Conn),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 100),
	}

	go hub.run()

	return &WebSocketHandler{hub: hub}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	playerID := c.GetString("player_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := &Client{
		PlayerID: playerID,
		Conn:     conn,
	}

	h.hub.register <- client

	defer func() {
		h.hub.unregister <- client
		conn.Close()
	}()

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if msg.Type == "PING" {
			conn.WriteJSON(Message{
				Type: "PONG",
				Data: gin.H{"timestamp": time.Now().Unix()},
			})
		}
	}
}

func (hub *WebSocketHub) run() {
	for {
		select {
		case client := <-hub.register:
			hub.clients[client.PlayerID] = client.Conn
			log.Printf("Client registered: %s", client.PlayerID)

		case client := <-hub.unregister:
			if _, ok := hub.clients[client.PlayerID]; ok {
				delete(hub.clients, client.PlayerID)
				log.Printf("Client unregistered: %s", client.PlayerID)
			}

		case message := <-hub.broadcast:
			hub.send(message)
		}
	}
}

func (hub *WebSocketHub) send(message *Message) {
	if message.PlayerID != "" {
		if conn, ok := hub.clients[message.PlayerID]; ok {
			conn.WriteJSON(message)
		}
		return
	}
	for _, conn := range hub.clients {
		conn.WriteJSON(message)
	}
}

func (h *WebSocketHandler) BroadcastWalletUpdate(playerID string, optimisticBalance float64) {
	h.hub.broadcast <- &Message{
		Type:     "WALLET_UPDATE",
		PlayerID: playerID,
		Data: gin.H{
			"optimistic_balance": optimisticBalance,
			"timestamp":          time.Now().Unix(),
		},
	}
}

func (h *WebSocketHandler) BroadcastBatchValidated(playerID, batchID string, serverReward, newBalance float64) {
	h.hub.broadcast <- &Message{
		Type:     "BATCH_VALIDATED",
		PlayerID: playerID,
		Data: gin.H{
			"batch_id":      batchID,
			"server_reward": serverReward,
			"new_balance":   newBalance,
		},
	}
}

func (h *WebSocketHandler) BroadcastBatchFailed(playerID, batchID, errorMessage string) {
	h.hub.broadcast <- &Message{
		Type:     "BATCH_FAILED",
		PlayerID: playerID,
		Data: gin.H{
			"batch_id": batchID,
			"error":    errorMessage,
		},
	}
}

func (h *WebSocketHandler) BroadcastEntriesRejected(playerID string, count int, amount float64) {
	h.hub.broadcast <- &Message{
		Type:     "ENTRIES_REJECTED",
		PlayerID: playerID,
		Data: gin.H{
			"count":  count,
			"amount": amount,
		},
	}
}
