package database

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type User struct {
	Id               int
	Name             string
	Username         string
	EmailAddress     string
	PhoneCountryCode string
	PhoneNumber      string
	PasswordHash     string
	AvatarUrl        string
	IsOnline         bool
	LastSeen         sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Conversation struct {
	Id            int
	ExternalId    string
	Type          string
	GroupName     string
	GroupAvatar   string
	LastMessageId sql.NullInt64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Participants  []User
	LastMessage   *Message
}

type Message struct {
	Id                 int
	ConversationId     int
	SenderId           int
	SenderName         string
	SenderAvatarUrl    string
	Type               string
	Content            string
	MediaUrl           string
	ReadBy             pq.Int64Array
	DeletedFor         pq.Int64Array
	DeletedForEveryone bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type CreateAccountParams struct {
	Name             string
	Username         string
	EmailAddress     string
	PhoneCountryCode string
	PhoneNumber      string
	PasswordHash     string
}

type UpdateAccountParams struct {
	UserId       int
	Name         string
	AvatarUrl    string
	PasswordHash string
}

type CreateConversationParams struct {
	ExternalId     string
	Type           string
	GroupName      string
	GroupAvatar    string
	ParticipantIds []int
}

type CreateMessageParams struct {
	ConversationId int
	SenderId       int
	Type           string
	Content        string
	MediaUrl       string
}
