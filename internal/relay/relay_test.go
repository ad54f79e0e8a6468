package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/stats"
	"github.com/sparkle-im/sparkle/internal/testutil"
	"github.com/sparkle-im/sparkle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRelay(t *testing.T) (*Relay, *database.MockSparkleRepository, *stats.MockStatsUpdater) {
	db := &database.MockSparkleRepository{}
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("Incr", mock.Anything)
	su.On("Decr", mock.Anything)

	rl, err := NewRelay(testutil.TestLogger(t), db, su)
	assert.NoError(t, err)

	return rl, db, su
}

func newTestClient(rl *Relay, user types.User) *Client {
	return &Client{
		relay: rl,
		log:   rl.log,
		user:  user,
		send:  make(chan *ServerMessage, 16),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
}

func receiveMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()

	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message: %+v", msg)
	default:
	}
}

func TestNewRelay(t *testing.T) {
	rl, _, su := newTestRelay(t)

	assert.NotNil(t, rl)
	for _, name := range []string{"NumActiveClients", "NumOnlineUsers", "NumActiveRooms", "NumMessagesSent", "NumCallSignals"} {
		su.AssertCalled(t, "RegisterMetric", name)
	}
}

func TestRelay_admitClient(t *testing.T) {
	rl, db, su := newTestRelay(t)
	db.On("SetUserOnline", 1, true).Return(nil)

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.admitClient(c)

	assert.Contains(t, rl.clients, c)
	assert.Contains(t, rl.userMap[1], c)
	su.AssertCalled(t, "Incr", "NumActiveClients")
	su.AssertCalled(t, "Incr", "NumOnlineUsers")
	db.AssertCalled(t, "SetUserOnline", 1, true)
}

func TestRelay_admitClientTwice(t *testing.T) {
	rl, db, su := newTestRelay(t)
	db.On("SetUserOnline", 1, true).Return(nil)

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.admitClient(c)
	rl.admitClient(c)

	assert.Len(t, rl.clients, 1)
	su.AssertNumberOfCalls(t, "Incr", 2)
}

func TestRelay_presenceAnnouncedToOthers(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)

	observer := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	rl.admitClient(observer)

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.admitClient(c)

	msg := receiveMessage(t, observer)
	assert.NotNil(t, msg.Presence)
	assert.Equal(t, 1, msg.Presence.UserId)
	assert.Equal(t, PresenceOnline, msg.Presence.Status)

	// the joining connection does not hear its own announcement
	assertNoMessage(t, c)
}

func TestRelay_multiDevicePresence(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)

	observer := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	rl.admitClient(observer)

	phone := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	laptop := newTestClient(rl, types.User{Id: 1, Username: "ada"})

	rl.admitClient(phone)
	msg := receiveMessage(t, observer)
	assert.Equal(t, PresenceOnline, msg.Presence.Status)

	// second device of an online user does not re-announce
	rl.admitClient(laptop)
	assertNoMessage(t, observer)

	// first device leaving does not flip presence
	rl.removeClient(phone)
	assertNoMessage(t, observer)

	rl.removeClient(laptop)
	msg = receiveMessage(t, observer)
	assert.Equal(t, PresenceOffline, msg.Presence.Status)
	db.AssertCalled(t, "SetUserOnline", 1, false)
}

func TestRelay_removeUnknownClient(t *testing.T) {
	rl, _, su := newTestRelay(t)

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.removeClient(c)

	su.AssertNotCalled(t, "Decr", "NumActiveClients")
}

func TestRelay_deliverTargeted(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)

	target := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	targetPhone := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	other := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	rl.admitClient(target)
	rl.admitClient(targetPhone)
	rl.admitClient(other)

	// drain presence announcements
	for len(target.send) > 0 {
		<-target.send
	}
	for len(targetPhone.send) > 0 {
		<-targetPhone.send
	}
	for len(other.send) > 0 {
		<-other.send
	}

	rl.deliver(&ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Call:         &CallSignal{Kind: CallOffer, FromUserId: 2},
		TargetUserId: 1,
	})

	// every connection of the target user gets it, nobody else does
	assert.NotNil(t, receiveMessage(t, target).Call)
	assert.NotNil(t, receiveMessage(t, targetPhone).Call)
	assertNoMessage(t, other)
}

func TestRelay_relaySignal(t *testing.T) {
	rl, db, su := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)

	caller := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	callee := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	rl.admitClient(caller)
	rl.admitClient(callee)

	rl.relaySignal(caller, &CallSignal{
		Kind:     CallOffer,
		ToUserId: 2,
		SDP:      json.RawMessage(`{"type":"offer"}`),
	})

	msg := <-rl.relayChan
	assert.Equal(t, 2, msg.TargetUserId)
	assert.Equal(t, CallOffer, msg.Call.Kind)
	// origin is stamped by the relay, not trusted from the payload
	assert.Equal(t, 1, msg.Call.FromUserId)
	assert.Equal(t, 0, msg.Call.ToUserId)
	su.AssertCalled(t, "Incr", "NumCallSignals")
}

func TestRelay_relaySignalUnreachableTarget(t *testing.T) {
	rl, db, su := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)

	caller := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.admitClient(caller)

	rl.relaySignal(caller, &CallSignal{Kind: CallOffer, ToUserId: 99})

	assert.Len(t, rl.relayChan, 0)
	su.AssertNotCalled(t, "Incr", "NumCallSignals")
}

func TestRelay_handleJoinUnknownConversation(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("GetConversationByExternalId", "nope").Return(database.Conversation{}, errors.New("sql: no rows in result set"))

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 3},
		Join:        &Join{ConversationId: "nope"},
		client:      c,
	})

	msg := receiveMessage(t, c)
	assert.NotNil(t, msg.Response)
	assert.Equal(t, 404, msg.Response.ResponseCode)
	assert.Equal(t, 3, msg.Id)
	assert.Empty(t, rl.rooms)
}

func TestRelay_handleJoinLoadsRoom(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("GetConversationByExternalId", "abc123").Return(database.Conversation{Id: 10, ExternalId: "abc123"}, nil)
	db.On("IsParticipant", 1, 10).Return(true)

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{ConversationId: "abc123"},
		client:      c,
	})

	assert.Contains(t, rl.rooms, "abc123")

	msg := receiveMessage(t, c)
	assert.NotNil(t, msg.Response)
	assert.Equal(t, 200, msg.Response.ResponseCode)

	// a second join reuses the loaded room
	c2 := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	db.On("IsParticipant", 1, 10).Return(true)
	rl.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 2},
		Join:        &Join{ConversationId: "abc123"},
		client:      c2,
	})

	msg = receiveMessage(t, c2)
	assert.Equal(t, 200, msg.Response.ResponseCode)
	assert.Len(t, rl.rooms, 1)

	room := rl.rooms["abc123"]
	close(room.exit)
	<-room.done
}

func TestRelay_UnloadRoom(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("GetConversationByExternalId", "abc123").Return(database.Conversation{Id: 10, ExternalId: "abc123"}, nil)
	db.On("IsParticipant", 1, 10).Return(true)

	go rl.Run()

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.joinChan <- &ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{ConversationId: "abc123"},
		client:      c,
	}

	msg := receiveMessage(t, c)
	assert.Equal(t, 200, msg.Response.ResponseCode)

	assert.NoError(t, rl.UnloadRoom(context.Background(), "abc123"))

	assert.Eventually(t, func() bool {
		return c.getRoom("abc123") == nil
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, rl.Shutdown(context.Background()))
}

func TestRelay_Shutdown(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)
	db.On("GetConversationByExternalId", "abc123").Return(database.Conversation{Id: 10, ExternalId: "abc123"}, nil)
	db.On("IsParticipant", 1, 10).Return(true)

	go rl.Run()

	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	rl.RegisterClient(c)
	rl.joinChan <- &ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{ConversationId: "abc123"},
		client:      c,
	}
	msg := receiveMessage(t, c)
	assert.Equal(t, 200, msg.Response.ResponseCode)

	assert.NoError(t, rl.Shutdown(context.Background()))

	select {
	case <-c.stop:
	default:
		t.Fatal("expected client to be stopped")
	}
}
