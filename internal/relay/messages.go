package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sparkle-im/sparkle/internal/types"
)

// Call signal kinds relayed between peers. The payloads are opaque to
// the relay; it only rewrites the addressing.
const (
	CallOffer     = "offer"
	CallAnswer    = "answer"
	CallCandidate = "candidate"
	CallEnd       = "end"
	CallDeclined  = "declined"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the envelope for every inbound event. Exactly one of
// the payload fields is set.
type ClientMessage struct {
	BaseMessage
	Join    *Join       `json:"join,omitempty"`
	Publish *Publish    `json:"publish,omitempty"`
	Typing  *Typing     `json:"typing,omitempty"`
	Call    *CallSignal `json:"call,omitempty"`
	UserId  int         `json:"-"`
	client  *Client     `json:"-"`
}

type Join struct {
	ConversationId string `json:"conversation_id"`
}

type Publish struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	MediaUrl       string `json:"media_url,omitempty"`
	TempId         string `json:"temp_id"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id,omitempty"`
	Active         bool   `json:"active"`
}

// CallSignal carries one leg of a call negotiation. Inbound signals
// address a target user, outbound signals carry the resolved origin.
type CallSignal struct {
	Kind       string          `json:"kind"`
	ToUserId   int             `json:"to_user_id,omitempty"`
	FromUserId int             `json:"from_user_id,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// ServerMessage is the envelope for every outbound event.
type ServerMessage struct {
	BaseMessage
	Response *Response      `json:"response,omitempty"`
	Ack      *Ack           `json:"ack,omitempty"`
	SendErr  *SendError     `json:"send_error,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
	Typing   *Typing        `json:"typing,omitempty"`
	Presence *Presence      `json:"presence,omitempty"`
	Call     *CallSignal    `json:"call,omitempty"`
	// TargetUserId addresses the message to every live connection of one
	// user (their personal room). Zero means all connections.
	TargetUserId int     `json:"-"`
	SkipClient   *Client `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Ack confirms delivery of a published message to its sender,
// correlating the client-side temp id with the persisted id.
type Ack struct {
	TempId    string `json:"temp_id"`
	MessageId int    `json:"message_id"`
}

type SendError struct {
	TempId string `json:"temp_id"`
	Error  string `json:"error"`
}

type Presence struct {
	UserId int    `json:"user_id"`
	Status string `json:"status"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func AckSend(tempId string, messageId int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Ack: &Ack{
			TempId:    tempId,
			MessageId: messageId,
		},
	}
}

func ErrSendFailed(tempId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		SendErr: &SendError{
			TempId: tempId,
			Error:  "failed to send",
		},
	}
}

func ErrConversationNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "conversation not found",
		},
	}
}

func ErrNotParticipant(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not a participant of conversation",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
