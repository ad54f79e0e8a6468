package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparkle-im/sparkle/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one live connection. A user may hold several concurrently;
// each belongs to exactly one user for its lifetime.
type Client struct {
	conn      *websocket.Conn
	relay     *Relay
	log       *log.Logger
	user      types.User
	send      chan *ServerMessage
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, rl *Relay, l *log.Logger) *Client {
	return &Client{
		conn:  conn,
		relay: rl,
		log:   l,
		user:  user,
		send:  make(chan *ServerMessage, 256),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.joinRoom(&msg)
		case msg.Publish != nil:
			c.forwardToRoom(&msg, msg.Publish.ConversationId)
		case msg.Typing != nil:
			c.forwardToRoom(&msg, msg.Typing.ConversationId)
		case msg.Call != nil:
			c.handleCallSignal(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) joinRoom(msg *ClientMessage) {
	select {
	case c.relay.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) forwardToRoom(msg *ClientMessage, conversationId string) {
	r := c.getRoom(conversationId)
	if r == nil {
		// typing indicators for unjoined rooms are just dropped
		if msg.Publish != nil {
			c.queueMessage(ErrConversationNotFound(msg.Id))
		}
		return
	}

	select {
	case r.clientMsgChan <- msg:
	default:
		c.log.Printf("clientMsgChan full for room %q", r.externalId)
		if msg.Publish != nil {
			c.queueMessage(ErrSendFailed(msg.Publish.TempId))
		}
	}
}

// handleCallSignal forwards one negotiation leg to the target user. The
// relay is stateless here: it neither validates the SDP nor tracks call
// progress.
func (c *Client) handleCallSignal(msg *ClientMessage) {
	sig := msg.Call

	switch sig.Kind {
	case CallOffer, CallAnswer, CallCandidate, CallEnd, CallDeclined:
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if sig.ToUserId == 0 {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	c.relay.relaySignal(c, sig)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.leaveAllRooms()

	select {
	case c.relay.deregisterChan <- c:
	case <-c.stop:
	}

	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		room.leaveChan <- &ClientMessage{
			UserId: c.user.Id,
			client: c,
		}
	}
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
