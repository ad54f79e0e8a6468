package relay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/stats"
)

type stopReq struct {
	done chan struct{}
}

// Relay is the process-wide hub. It owns the session registry (which
// connections exist and which user each belongs to), derives presence
// transitions from registry changes, loads conversation rooms on demand
// and fans direct messages out to a user's personal room (all of that
// user's live connections). All registry mutations happen on the Run
// goroutine, so broadcasts always observe a consistent membership set.
type Relay struct {
	log            *log.Logger
	db             database.SparkleRepository
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.RWMutex
	rooms          map[string]*Room
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	relayChan      chan *ServerMessage
	unloadRoomChan chan string
	stop           chan stopReq
}

func NewRelay(logger *log.Logger, db database.SparkleRepository, su stats.StatsProvider) (*Relay, error) {
	r := &Relay{
		log:            logger,
		db:             db,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		relayChan:      make(chan *ServerMessage, 256),
		unloadRoomChan: make(chan string),
		stop:           make(chan stopReq),
	}

	su.RegisterMetric("NumActiveClients")
	su.RegisterMetric("NumOnlineUsers")
	su.RegisterMetric("NumActiveRooms")
	su.RegisterMetric("NumMessagesSent")
	su.RegisterMetric("NumCallSignals")

	return r, nil
}

func (rl *Relay) Run() {
	for {
		select {
		case joinMsg := <-rl.joinChan:
			rl.handleJoin(joinMsg)
		case client := <-rl.registerChan:
			rl.admitClient(client)
		case client := <-rl.deregisterChan:
			rl.removeClient(client)
		case msg := <-rl.relayChan:
			rl.deliver(msg)
		case id := <-rl.unloadRoomChan:
			if room, ok := rl.rooms[id]; ok {
				rl.unloadRoom(id)
				close(room.exit)
				<-room.done
			}
		case req := <-rl.stop:
			rl.log.Println("shutting down rooms")
			for _, room := range rl.rooms {
				rl.unloadRoom(room.externalId)
				close(room.exit)
				<-room.done
			}

			close(req.done)
			return
		}
	}
}

// RegisterClient admits an authenticated connection into the registry.
func (rl *Relay) RegisterClient(c *Client) {
	rl.registerChan <- c
}

func (rl *Relay) handleJoin(joinMsg *ClientMessage) {
	if room, ok := rl.rooms[joinMsg.Join.ConversationId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			rl.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	conv, err := rl.db.GetConversationByExternalId(joinMsg.Join.ConversationId)
	if err != nil {
		joinMsg.client.queueMessage(ErrConversationNotFound(joinMsg.Id))
		return
	}

	room := newRoom(rl, conv)
	rl.rooms[room.externalId] = room
	rl.stats.Incr("NumActiveRooms")
	room.joinChan <- joinMsg

	go room.start()
}

// admitClient adds the connection to the user's connection set. The set
// doubles as the user's personal room. A connection may be admitted
// only once.
func (rl *Relay) admitClient(c *Client) {
	rl.clientsLock.Lock()

	if _, ok := rl.clients[c]; ok {
		rl.clientsLock.Unlock()
		rl.log.Printf("connection for %q already admitted", c.user.Username)
		return
	}

	rl.clients[c] = struct{}{}
	first := rl.userMap[c.user.Id] == nil
	if first {
		rl.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	rl.userMap[c.user.Id][c] = struct{}{}
	rl.clientsLock.Unlock()

	rl.stats.Incr("NumActiveClients")
	rl.log.Printf("admitted connection from %q", c.user.Username)

	if first {
		rl.userOnline(c, true)
	}
}

func (rl *Relay) removeClient(c *Client) {
	rl.clientsLock.Lock()

	if _, ok := rl.clients[c]; !ok {
		rl.clientsLock.Unlock()
		return
	}

	delete(rl.clients, c)
	last := false
	if conns, ok := rl.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(rl.userMap, c.user.Id)
			last = true
		}
	}
	rl.clientsLock.Unlock()

	rl.stats.Decr("NumActiveClients")
	rl.log.Printf("removed connection from %q", c.user.Username)

	// only the user's last connection flips presence, so multi-device
	// disconnects never flap
	if last {
		rl.userOnline(c, false)
	}
}

// userOnline records the presence transition and announces it to every
// other connection.
func (rl *Relay) userOnline(c *Client, online bool) {
	status := PresenceOffline
	if online {
		status = PresenceOnline
		rl.stats.Incr("NumOnlineUsers")
	} else {
		rl.stats.Decr("NumOnlineUsers")
	}

	if err := rl.db.SetUserOnline(c.user.Id, online); err != nil {
		rl.log.Printf("set user %d %s: %v", c.user.Id, status, err)
	}

	rl.deliver(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Presence: &Presence{
			UserId: c.user.Id,
			Status: status,
		},
		SkipClient: c,
	})
}

// deliver fans a message out to its target user's personal room, or to
// every connection when no target is set.
func (rl *Relay) deliver(msg *ServerMessage) {
	rl.clientsLock.RLock()
	defer rl.clientsLock.RUnlock()

	if msg.TargetUserId != 0 {
		for c := range rl.userMap[msg.TargetUserId] {
			c.queueMessage(msg)
		}
		return
	}

	for c := range rl.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// relaySignal forwards a call signal to the target user's personal
// room. An unreachable target is dropped without error; the caller's
// state machine surfaces it as an unanswered call.
func (rl *Relay) relaySignal(from *Client, sig *CallSignal) {
	out := &CallSignal{
		Kind:       sig.Kind,
		FromUserId: from.user.Id,
		SDP:        sig.SDP,
		Candidate:  sig.Candidate,
	}

	rl.clientsLock.RLock()
	reachable := rl.userMap[sig.ToUserId] != nil
	rl.clientsLock.RUnlock()

	if !reachable {
		rl.log.Printf("call signal %q from %d to unreachable user %d dropped", sig.Kind, from.user.Id, sig.ToUserId)
		return
	}

	rl.stats.Incr("NumCallSignals")
	rl.relayChan <- &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Call:         out,
		TargetUserId: sig.ToUserId,
	}
}

func (rl *Relay) getRoom(id string) (*Room, bool) {
	room, ok := rl.rooms[id]
	return room, ok
}

func (rl *Relay) unloadRoom(id string) {
	if _, ok := rl.rooms[id]; ok {
		rl.log.Printf("unloading room %q", id)
		delete(rl.rooms, id)
		rl.stats.Decr("NumActiveRooms")
	}
}

// UnloadRoom removes a loaded room, typically after its conversation
// was deleted.
func (rl *Relay) UnloadRoom(ctx context.Context, id string) error {
	select {
	case rl.unloadRoomChan <- id:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unload room %q: %w", id, ctx.Err())
	}
}

func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.clientsLock.RLock()
	for c := range rl.clients {
		c.stopClient()
	}
	rl.clientsLock.RUnlock()

	req := stopReq{done: make(chan struct{})}

	select {
	case rl.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
