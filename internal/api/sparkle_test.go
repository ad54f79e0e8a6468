package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/relay"
	"github.com/sparkle-im/sparkle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// dialWs connects an authenticated websocket for the given user against
// a running test server.
func dialWs(t *testing.T, app *SparkleApp, serverUrl string, userId int) *websocket.Conn {
	t.Helper()

	token, err := app.createJwtForSession(types.User{Id: userId}, time.Minute)
	assert.NoError(t, err)

	wsUrl := "ws" + strings.TrimPrefix(serverUrl, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.NoError(t, err)

	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads server messages until one satisfies the predicate,
// skipping unrelated traffic such as presence updates.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*relay.ServerMessage) bool) *relay.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}

		var msg relay.ServerMessage
		assert.NoError(t, json.Unmarshal(raw, &msg))
		if match(&msg) {
			return &msg
		}
	}
}

func TestSparkleApp_websocketFlow(t *testing.T) {
	app, db, rl := newTestApp(t)

	now := time.Now().UTC().Round(time.Millisecond)
	db.On("GetAccountById", 1).Return(database.User{Id: 1, Username: "ada"}, nil)
	db.On("GetAccountById", 2).Return(database.User{Id: 2, Username: "bob"}, nil)
	db.On("SetUserOnline", mock.Anything, mock.Anything).Return(nil)
	db.On("GetConversationByExternalId", "abc123").Return(database.Conversation{Id: 10, ExternalId: "abc123"}, nil)
	db.On("IsParticipant", mock.Anything, 10).Return(true)
	db.On("CreateMessage", mock.Anything).Return(database.Message{
		Id:         7,
		SenderId:   1,
		SenderName: "ada",
		Type:       types.MessageTypeText,
		Content:    "hello",
		CreatedAt:  now,
	}, nil)
	db.On("UpdateConversationLastMessage", 10, 7).Return(nil)

	go rl.Run()
	defer rl.Shutdown(context.Background())

	server := httptest.NewServer(app.mux.Handler)
	defer server.Close()

	ada := dialWs(t, app, server.URL, 1)
	bob := dialWs(t, app, server.URL, 2)

	// ada sees bob come online
	presence := readUntil(t, ada, func(m *relay.ServerMessage) bool { return m.Presence != nil })
	assert.Equal(t, 2, presence.Presence.UserId)
	assert.Equal(t, relay.PresenceOnline, presence.Presence.Status)

	// both join the conversation
	for _, conn := range []*websocket.Conn{ada, bob} {
		assert.NoError(t, conn.WriteJSON(relay.ClientMessage{
			BaseMessage: relay.BaseMessage{Id: 1},
			Join:        &relay.Join{ConversationId: "abc123"},
		}))
		resp := readUntil(t, conn, func(m *relay.ServerMessage) bool { return m.Response != nil })
		assert.Equal(t, 200, resp.Response.ResponseCode)
	}

	// ada publishes, both get the broadcast, then ada gets the ack
	assert.NoError(t, ada.WriteJSON(relay.ClientMessage{
		Publish: &relay.Publish{ConversationId: "abc123", Content: "hello", TempId: "tmp-1"},
	}))

	for _, conn := range []*websocket.Conn{ada, bob} {
		msg := readUntil(t, conn, func(m *relay.ServerMessage) bool { return m.Message != nil })
		assert.Equal(t, 7, msg.Message.Id)
		assert.Equal(t, "hello", msg.Message.Content)
		assert.Equal(t, "abc123", msg.Message.ConversationId)
	}

	ack := readUntil(t, ada, func(m *relay.ServerMessage) bool { return m.Ack != nil })
	assert.Equal(t, "tmp-1", ack.Ack.TempId)
	assert.Equal(t, 7, ack.Ack.MessageId)

	// typing indicator reaches bob only
	assert.NoError(t, ada.WriteJSON(relay.ClientMessage{
		Typing: &relay.Typing{ConversationId: "abc123", Active: true},
	}))
	typing := readUntil(t, bob, func(m *relay.ServerMessage) bool { return m.Typing != nil })
	assert.Equal(t, 1, typing.Typing.UserId)
	assert.True(t, typing.Typing.Active)

	// ada calls bob: the signal arrives with the origin stamped
	assert.NoError(t, ada.WriteJSON(relay.ClientMessage{
		Call: &relay.CallSignal{
			Kind:     relay.CallOffer,
			ToUserId: 2,
			SDP:      json.RawMessage(`{"type":"offer"}`),
		},
	}))
	call := readUntil(t, bob, func(m *relay.ServerMessage) bool { return m.Call != nil })
	assert.Equal(t, relay.CallOffer, call.Call.Kind)
	assert.Equal(t, 1, call.Call.FromUserId)

	// bob declines
	assert.NoError(t, bob.WriteJSON(relay.ClientMessage{
		Call: &relay.CallSignal{Kind: relay.CallDeclined, ToUserId: 1},
	}))
	declined := readUntil(t, ada, func(m *relay.ServerMessage) bool { return m.Call != nil })
	assert.Equal(t, relay.CallDeclined, declined.Call.Kind)
	assert.Equal(t, 2, declined.Call.FromUserId)
}

func TestSparkleApp_websocketRejectsBadToken(t *testing.T) {
	app, _, _ := newTestApp(t)

	server := httptest.NewServer(app.mux.Handler)
	defer server.Close()

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	conn, resp, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestSparkleApp_sessionOverHttp(t *testing.T) {
	app, db, _ := newTestApp(t)
	db.On("GetAccountById", 1).Return(database.User{Id: 1, Username: "ada"}, nil).Once()

	server := httptest.NewServer(app.mux.Handler)
	defer server.Close()

	token, err := app.createJwtForSession(types.User{Id: 1}, time.Minute)
	assert.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/auth/session", nil)
	assert.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var u types.User
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, "ada", u.Username)
}

func TestSparkleApp_profileAndUserRoutesCoexist(t *testing.T) {
	app, db, _ := newTestApp(t)
	db.On("GetAccountById", 1).Return(database.User{Id: 1, Username: "ada"}, nil).Once()
	db.On("GetAccountById", 2).Return(database.User{Id: 2, Username: "bob"}, nil).Once()

	server := httptest.NewServer(app.mux.Handler)
	defer server.Close()

	token, err := app.createJwtForSession(types.User{Id: 1}, time.Minute)
	assert.NoError(t, err)

	get := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		assert.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		assert.NoError(t, err)
		return resp
	}

	// the literal profile path must not be captured by the {id} pattern
	resp := get("/api/users/profile")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var me types.User
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "ada", me.Username)

	resp = get("/api/users/2")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var other types.User
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&other))
	assert.Equal(t, "bob", other.Username)
}

func TestSparkleApp_unknownSessionUser(t *testing.T) {
	app, db, _ := newTestApp(t)
	db.On("GetAccountById", 9).Return(database.User{}, sql.ErrNoRows).Once()

	rr := httptest.NewRecorder()
	app.session(rr, authedRequest(http.MethodGet, "/api/auth/session", nil, 9))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
