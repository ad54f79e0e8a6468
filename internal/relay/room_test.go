package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRoom(t *testing.T, rl *Relay) *Room {
	r := newRoom(rl, database.Conversation{Id: 10, ExternalId: "abc123"})
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()
	return r
}

func TestRoom_handleJoin(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("IsParticipant", 1, 10).Return(true)

	r := newTestRoom(t, rl)
	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})

	r.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5},
		Join:        &Join{ConversationId: "abc123"},
		client:      c,
	})

	assert.Contains(t, r.clients, c)
	assert.Equal(t, r, c.getRoom("abc123"))

	msg := receiveMessage(t, c)
	assert.Equal(t, 200, msg.Response.ResponseCode)
	assert.Equal(t, 5, msg.Id)
	assert.Equal(t, map[string]any{"conversation_id": "abc123"}, msg.Response.Data)
}

func TestRoom_handleJoinNotParticipant(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("IsParticipant", 3, 10).Return(false)

	r := newTestRoom(t, rl)
	c := newTestClient(rl, types.User{Id: 3, Username: "eve"})

	r.handleJoin(&ClientMessage{
		BaseMessage: BaseMessage{Id: 5},
		Join:        &Join{ConversationId: "abc123"},
		client:      c,
	})

	assert.NotContains(t, r.clients, c)
	assert.Nil(t, c.getRoom("abc123"))

	msg := receiveMessage(t, c)
	assert.Equal(t, 403, msg.Response.ResponseCode)
}

func TestRoom_saveAndBroadcast(t *testing.T) {
	rl, db, su := newTestRelay(t)
	now := Now()
	db.On("CreateMessage", database.CreateMessageParams{
		ConversationId: 10,
		SenderId:       1,
		Type:           types.MessageTypeText,
		Content:        "hello",
	}).Return(database.Message{
		Id:         7,
		SenderId:   1,
		SenderName: "ada",
		Type:       types.MessageTypeText,
		Content:    "hello",
		CreatedAt:  now,
	}, nil)
	db.On("UpdateConversationLastMessage", 10, 7).Return(nil)

	r := newTestRoom(t, rl)
	sender := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	peer := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	r.addClient(sender)
	r.addClient(peer)

	r.saveAndBroadcast(&ClientMessage{
		Publish: &Publish{
			ConversationId: "abc123",
			Content:        "hello",
			TempId:         "tmp-1",
		},
		client: sender,
	})

	// sender gets the broadcast copy first, then the ack
	bcast := receiveMessage(t, sender)
	assert.NotNil(t, bcast.Message)
	assert.Equal(t, 7, bcast.Message.Id)
	assert.Equal(t, "abc123", bcast.Message.ConversationId)
	assert.Equal(t, "hello", bcast.Message.Content)

	ack := receiveMessage(t, sender)
	assert.NotNil(t, ack.Ack)
	assert.Equal(t, "tmp-1", ack.Ack.TempId)
	assert.Equal(t, 7, ack.Ack.MessageId)

	peerCopy := receiveMessage(t, peer)
	assert.NotNil(t, peerCopy.Message)
	assert.Equal(t, 7, peerCopy.Message.Id)

	su.AssertCalled(t, "Incr", "NumMessagesSent")
}

func TestRoom_saveAndBroadcastPersistenceFailure(t *testing.T) {
	rl, db, su := newTestRelay(t)
	db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection refused"))

	r := newTestRoom(t, rl)
	sender := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	peer := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	r.addClient(sender)
	r.addClient(peer)

	r.saveAndBroadcast(&ClientMessage{
		Publish: &Publish{ConversationId: "abc123", Content: "hello", TempId: "tmp-1"},
		client:  sender,
	})

	// only the sender hears about the failure
	msg := receiveMessage(t, sender)
	assert.NotNil(t, msg.SendErr)
	assert.Equal(t, "tmp-1", msg.SendErr.TempId)
	assertNoMessage(t, peer)
	su.AssertNotCalled(t, "Incr", "NumMessagesSent")
}

func TestRoom_saveAndBroadcastLastMessageFailure(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("CreateMessage", mock.Anything).Return(database.Message{Id: 7, SenderId: 1}, nil)
	db.On("UpdateConversationLastMessage", 10, 7).Return(errors.New("connection refused"))

	r := newTestRoom(t, rl)
	sender := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	r.addClient(sender)

	r.saveAndBroadcast(&ClientMessage{
		Publish: &Publish{ConversationId: "abc123", Content: "hello", TempId: "tmp-1"},
		client:  sender,
	})

	msg := receiveMessage(t, sender)
	assert.NotNil(t, msg.SendErr)
	assertNoMessage(t, sender)
}

func TestRoom_handleTyping(t *testing.T) {
	rl, _, _ := newTestRelay(t)

	r := newTestRoom(t, rl)
	typist := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	peer := newTestClient(rl, types.User{Id: 2, Username: "bob"})
	r.addClient(typist)
	r.addClient(peer)

	r.handleTyping(&ClientMessage{
		Typing: &Typing{ConversationId: "abc123", Active: true},
		client: typist,
	})

	msg := receiveMessage(t, peer)
	assert.NotNil(t, msg.Typing)
	assert.Equal(t, 1, msg.Typing.UserId)
	assert.True(t, msg.Typing.Active)
	assert.Equal(t, "abc123", msg.Typing.ConversationId)

	// the typist does not get its own indicator back
	assertNoMessage(t, typist)
}

func TestRoom_removeLastClientArmsKillTimer(t *testing.T) {
	rl, db, _ := newTestRelay(t)
	db.On("IsParticipant", 1, 10).Return(true)

	r := newTestRoom(t, rl)
	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	r.addClient(c)

	r.removeClient(c)

	assert.True(t, r.empty())
	assert.Nil(t, c.getRoom("abc123"))
}

func TestRoom_broadcastSkipsStoppedQueue(t *testing.T) {
	rl, _, _ := newTestRelay(t)

	r := newTestRoom(t, rl)
	c := newTestClient(rl, types.User{Id: 1, Username: "ada"})
	c.send = make(chan *ServerMessage) // unbuffered, nothing draining
	r.addClient(c)

	// a full queue drops the message instead of blocking the room
	r.broadcast(&ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}, Typing: &Typing{}})
	assert.False(t, r.empty())
}
