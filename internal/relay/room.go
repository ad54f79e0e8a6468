package relay

import (
	"log"
	"sync"
	"time"

	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/types"
)

const idleRoomTimeout = time.Minute

// Room is a loaded conversation. A single goroutine consumes its
// channels, so messages to one conversation are persisted and broadcast
// strictly in order: a send never overtakes another send to the same
// conversation, no matter how persistence latencies interleave.
type Room struct {
	id            int
	externalId    string
	relay         *Relay
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once no connection remains joined
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(rl *Relay, conv database.Conversation) *Room {
	return &Room{
		id:            conv.Id,
		externalId:    conv.ExternalId,
		relay:         rl,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           rl.log,
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Publish != nil {
				r.saveAndBroadcast(msg)
			} else if msg.Typing != nil {
				r.handleTyping(msg)
			}
		case <-r.killTimer.C:
			r.log.Printf("room %q timed out", r.externalId)
			r.relay.unloadRoomChan <- r.externalId
		case <-r.exit:
			r.log.Printf("room %q is exiting", r.externalId)
			r.clientLock.Lock()
			for c := range r.clients {
				c.delRoom(r.externalId)
			}
			r.clientLock.Unlock()
			return
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client
	if !r.relay.db.IsParticipant(c.user.Id, r.id) {
		r.log.Printf("user %q is not a participant of %q", c.user.Username, r.externalId)
		c.queueMessage(ErrNotParticipant(join.Id))
		if r.empty() {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	r.addClient(c)
	c.queueMessage(NoErrOK(join.Id, map[string]any{"conversation_id": r.externalId}))
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	r.removeClient(leaveMsg.client)
}

// saveAndBroadcast persists a published message and fans it out to the
// conversation. On a persistence failure only the sender hears about
// it; the rest of the room never learns a send was attempted.
func (r *Room) saveAndBroadcast(msg *ClientMessage) {
	pub := msg.Publish

	msgType := pub.Type
	if msgType == "" {
		msgType = types.MessageTypeText
	}

	saved, err := r.relay.db.CreateMessage(database.CreateMessageParams{
		ConversationId: r.id,
		SenderId:       msg.client.user.Id,
		Type:           msgType,
		Content:        pub.Content,
		MediaUrl:       pub.MediaUrl,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		msg.client.queueMessage(ErrSendFailed(pub.TempId))
		return
	}

	if err := r.relay.db.UpdateConversationLastMessage(r.id, saved.Id); err != nil {
		r.log.Println("error updating conversation:", err)
		msg.client.queueMessage(ErrSendFailed(pub.TempId))
		return
	}

	r.relay.stats.Incr("NumMessagesSent")

	// fan out to whatever membership exists now, then ack only the
	// sending connection
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: saved.CreatedAt,
		},
		Message: &types.Message{
			Id:              saved.Id,
			ConversationId:  r.externalId,
			SenderId:        saved.SenderId,
			SenderName:      saved.SenderName,
			SenderAvatarUrl: saved.SenderAvatarUrl,
			Type:            saved.Type,
			Content:         saved.Content,
			MediaUrl:        saved.MediaUrl,
			Timestamp:       saved.CreatedAt,
		},
	})

	msg.client.queueMessage(AckSend(pub.TempId, saved.Id))
}

// handleTyping relays a typing indicator to room peers. Nothing is
// persisted and the typist is skipped.
func (r *Room) handleTyping(msg *ClientMessage) {
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Typing: &Typing{
			ConversationId: r.externalId,
			UserId:         msg.client.user.Id,
			Active:         msg.Typing.Active,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	r.log.Printf("removed client %q from room %q", c.user.Username, r.externalId)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) empty() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients) == 0
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
