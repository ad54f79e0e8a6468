package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lib/pq"
	"github.com/sparkle-im/sparkle/internal/database"
	"github.com/sparkle-im/sparkle/internal/relay"
	"github.com/sparkle-im/sparkle/internal/types"
)

const (
	maxUploadSize = 10 << 20

	deletedMessagePlaceholder = "This message was deleted"
)

const uniqueViolation = pq.ErrorCode("23505")

type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type RegisterRequest struct {
	Name     string      `json:"name"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Phone    types.Phone `json:"phone"`
	Password string      `json:"password"`
}

type UpdateProfileRequest struct {
	Name      string `json:"name"`
	AvatarUrl string `json:"avatar_url"`
	Password  string `json:"password"`
}

type AddContactRequest struct {
	Identifier string `json:"identifier"`
}

type StartConversationRequest struct {
	Type           string `json:"type"`
	ParticipantId  int    `json:"participant_id"`
	ParticipantIds []int  `json:"participant_ids"`
	GroupName      string `json:"group_name"`
}

type UploadResponse struct {
	Url string `json:"url"`
}

type IceServer struct {
	Urls []string `json:"urls"`
}

func (s *SparkleApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func userResponse(u database.User) types.User {
	user := types.User{
		Id:           u.Id,
		Name:         u.Name,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Phone: types.Phone{
			CountryCode: u.PhoneCountryCode,
			Number:      u.PhoneNumber,
		},
		AvatarUrl: u.AvatarUrl,
		IsOnline:  u.IsOnline,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}

	if u.LastSeen.Valid {
		lastSeen := u.LastSeen.Time
		user.LastSeen = &lastSeen
	}

	return user
}

// messageResponse converts a stored message for the given conversation.
// A message deleted for everyone keeps its slot in the history but its
// content is replaced with a placeholder.
func messageResponse(m database.Message, conversationExternalId string) types.Message {
	msg := types.Message{
		Id:              m.Id,
		ConversationId:  conversationExternalId,
		SenderId:        m.SenderId,
		SenderName:      m.SenderName,
		SenderAvatarUrl: m.SenderAvatarUrl,
		Type:            m.Type,
		Content:         m.Content,
		MediaUrl:        m.MediaUrl,
		Timestamp:       m.CreatedAt,
	}

	if m.DeletedForEveryone {
		msg.Type = types.MessageTypeSystem
		msg.Content = deletedMessagePlaceholder
		msg.MediaUrl = ""
	}

	return msg
}

func conversationResponse(c database.Conversation) types.Conversation {
	conv := types.Conversation{
		Id:          c.Id,
		ExternalId:  c.ExternalId,
		Type:        c.Type,
		GroupName:   c.GroupName,
		GroupAvatar: c.GroupAvatar,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}

	for _, p := range c.Participants {
		conv.Participants = append(conv.Participants, userResponse(p))
	}

	if c.LastMessage != nil {
		lastMsg := messageResponse(*c.LastMessage, c.ExternalId)
		conv.LastMessage = &lastMsg
	}

	return conv
}

func (s *SparkleApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// phone is part of a compound unique index, so a blank one would
	// collide with every other blank one
	if req.Name == "" || req.Username == "" || req.Email == "" || req.Password == "" ||
		req.Phone.CountryCode == "" || req.Phone.Number == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateAccountParams{
		Name:             req.Name,
		Username:         req.Username,
		EmailAddress:     req.Email,
		PhoneCountryCode: req.Phone.CountryCode,
		PhoneNumber:      req.Phone.Number,
		PasswordHash:     pwdHash,
	}

	newUser, err := s.db.CreateAccount(params)
	if err != nil {
		var errResp *ApiError
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			errResp = NewConflictError("account already exists")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, userResponse(newUser))
}

func (s *SparkleApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Identifier == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.FindAccountByIdentifier(lr.Identifier)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := userResponse(dbUser)
	token, err := s.createJwtForSession(u, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, u)
}

func (s *SparkleApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, userResponse(user))
}

func (s *SparkleApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", 0))
	w.WriteHeader(http.StatusNoContent)
}

func (s *SparkleApp) profile(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := s.db.GetAccountById(userId)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, userResponse(user))
	case http.MethodPut:
		var req UpdateProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if req.Name == "" && req.AvatarUrl == "" && req.Password == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		params := database.UpdateAccountParams{
			UserId:    userId,
			Name:      req.Name,
			AvatarUrl: req.AvatarUrl,
		}

		if req.Password != "" {
			pwdHash, err := hashPassword(req.Password)
			if err != nil {
				errResp := NewInternalServerError(err)
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
			params.PasswordHash = pwdHash
		}

		dbUser, err := s.db.UpdateAccount(params)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, userResponse(dbUser))
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *SparkleApp) listUsers(w http.ResponseWriter, r *http.Request) {
	dbUsers, err := s.db.ListAccounts()
	if err != nil {
		s.log.Println("list accounts:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var users []types.User
	for _, dbUser := range dbUsers {
		users = append(users, userResponse(dbUser))
	}

	s.writeJson(w, http.StatusOK, users)
}

// getUser returns one user's public directory entry, used by callers to
// resolve the display info of an incoming call's originator.
func (s *SparkleApp) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	u := userResponse(user)
	u.EmailAddress = ""
	u.Phone = types.Phone{}

	s.writeJson(w, http.StatusOK, u)
}

func (s *SparkleApp) contacts(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
		dbContacts, err := s.db.ListContacts(userId)
		if err != nil {
			s.log.Println("list contacts:", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		var contacts []types.User
		for _, dbContact := range dbContacts {
			contacts = append(contacts, userResponse(dbContact))
		}

		s.writeJson(w, http.StatusOK, contacts)
	case http.MethodPost:
		var req AddContactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		contact, err := s.db.FindAccountByIdentifier(req.Identifier)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if contact.Id == userId {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if s.db.ContactExists(userId, contact.Id) {
			errResp := NewConflictError("contact already exists")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.db.AddContact(userId, contact.Id); err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusCreated, userResponse(contact))
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *SparkleApp) conversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.Method {
	case http.MethodGet:
		dbConvs, err := s.db.ListConversations(userId)
		if err != nil {
			s.log.Println("list conversations:", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		var convs []types.Conversation
		for _, dbConv := range dbConvs {
			convs = append(convs, conversationResponse(dbConv))
		}

		s.writeJson(w, http.StatusOK, convs)
	case http.MethodPost:
		s.startConversation(w, r, userId)
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

// startConversation creates a conversation, or returns the existing one
// when a DM between the two users already exists.
func (s *SparkleApp) startConversation(w http.ResponseWriter, r *http.Request, userId int) {
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convType := req.Type
	if convType == "" {
		convType = types.ConversationTypeDM
	}

	params := database.CreateConversationParams{
		Type: convType,
	}

	switch convType {
	case types.ConversationTypeDM:
		if req.ParticipantId == 0 || req.ParticipantId == userId {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		existing, err := s.db.FindDM(userId, req.ParticipantId)
		if err == nil {
			s.writeJson(w, http.StatusOK, conversationResponse(existing))
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		params.ParticipantIds = []int{userId, req.ParticipantId}
	case types.ConversationTypeGroup:
		if req.GroupName == "" || len(req.ParticipantIds) == 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		params.GroupName = req.GroupName
		params.ParticipantIds = req.ParticipantIds
		if !slices.Contains(params.ParticipantIds, userId) {
			params.ParticipantIds = append(params.ParticipantIds, userId)
		}
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.sid.Generate()
	if err != nil {
		s.log.Println("generate short id:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	params.ExternalId = sid

	newConv, err := s.db.CreateConversation(params)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, conversationResponse(newConv))
}

func (s *SparkleApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("conversation_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetConversationByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsParticipant(userId, conv.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.db.GetMessages(conv.Id, userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var userMessages []types.Message
	for _, msg := range messages {
		userMessages = append(userMessages, messageResponse(msg, conv.ExternalId))
	}

	s.writeJson(w, http.StatusOK, userMessages)
}

func (s *SparkleApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messageId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.db.GetMessageById(messageId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsParticipant(userId, msg.ConversationId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch r.URL.Query().Get("type") {
	case "everyone":
		// only the sender may retract for everyone
		if msg.SenderId != userId {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		err = s.db.DeleteMessageForEveryone(messageId)
	case "", "me":
		err = s.db.DeleteMessageForUser(messageId, userId)
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err != nil {
		s.log.Println("delete message:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *SparkleApp) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		var errResp *ApiError
		if errors.As(err, &maxBytesErr) {
			errResp = NewRequestEntityTooLargeError()
		} else {
			errResp = NewBadRequestError()
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	name := uuid.NewString() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(s.uploadDir, name))
	if err != nil {
		s.log.Println("create upload file:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		s.log.Println("write upload file:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, UploadResponse{
		Url: fmt.Sprintf("/uploads/%s", name),
	})
}

// iceServers hands clients the STUN configuration for call negotiation.
func (s *SparkleApp) iceServers(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, []IceServer{
		{Urls: s.stunServers},
	})
}

func (s *SparkleApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := relay.NewClient(userResponse(user), conn, s.relay, s.log)

	s.relay.RegisterClient(client)
	go client.Write()
	go client.Read()
}
