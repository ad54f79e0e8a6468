package types

import (
	"time"
)

const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

const (
	ConversationTypeDM    = "dm"
	ConversationTypeGroup = "group"
)

type Phone struct {
	CountryCode string `json:"country_code"`
	Number      string `json:"number"`
}

type User struct {
	Id           int        `json:"id"`
	Name         string     `json:"name"`
	Username     string     `json:"username"`
	EmailAddress string     `json:"email_address,omitempty"`
	Phone        Phone      `json:"phone,omitempty"`
	Password     string     `json:"-"`
	AvatarUrl    string     `json:"avatar_url,omitempty"`
	IsOnline     bool       `json:"is_online"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
}

type Conversation struct {
	Id           int       `json:"id"`
	ExternalId   string    `json:"external_id"`
	Type         string    `json:"type"`
	GroupName    string    `json:"group_name,omitempty"`
	GroupAvatar  string    `json:"group_avatar,omitempty"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	Id              int       `json:"id"`
	ConversationId  string    `json:"conversation_id"`
	SenderId        int       `json:"sender_id"`
	SenderName      string    `json:"sender_name,omitempty"`
	SenderAvatarUrl string    `json:"sender_avatar_url,omitempty"`
	Type            string    `json:"type"`
	Content         string    `json:"content,omitempty"`
	MediaUrl        string    `json:"media_url,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
