package database

import (
	"github.com/stretchr/testify/mock"
)

type MockSparkleRepository struct {
	mock.Mock
}

func (m *MockSparkleRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockSparkleRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockSparkleRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockSparkleRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockSparkleRepository) FindAccountByIdentifier(identifier string) (User, error) {
	args := m.Called(identifier)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockSparkleRepository) ListAccounts() ([]User, error) {
	args := m.Called()
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockSparkleRepository) SetUserOnline(accountId int, online bool) error {
	args := m.Called(accountId, online)
	return args.Error(0)
}
func (m *MockSparkleRepository) ListContacts(accountId int) ([]User, error) {
	args := m.Called(accountId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockSparkleRepository) ContactExists(accountId, contactId int) bool {
	args := m.Called(accountId, contactId)
	return args.Bool(0)
}
func (m *MockSparkleRepository) AddContact(accountId, contactId int) error {
	args := m.Called(accountId, contactId)
	return args.Error(0)
}
func (m *MockSparkleRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockSparkleRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	args := m.Called(conversationId)
	if c, ok := args.Get(0).(*Conversation); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockSparkleRepository) ListConversations(accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockSparkleRepository) FindDM(accountId, participantId int) (Conversation, error) {
	args := m.Called(accountId, participantId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockSparkleRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockSparkleRepository) IsParticipant(accountId, conversationId int) bool {
	args := m.Called(accountId, conversationId)
	return args.Bool(0)
}
func (m *MockSparkleRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockSparkleRepository) UpdateConversationLastMessage(conversationId, messageId int) error {
	args := m.Called(conversationId, messageId)
	return args.Error(0)
}
func (m *MockSparkleRepository) GetMessages(conversationId, accountId int) ([]Message, error) {
	args := m.Called(conversationId, accountId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockSparkleRepository) GetMessageById(messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockSparkleRepository) DeleteMessageForUser(messageId, accountId int) error {
	args := m.Called(messageId, accountId)
	return args.Error(0)
}
func (m *MockSparkleRepository) DeleteMessageForEveryone(messageId int) error {
	args := m.Called(messageId)
	return args.Error(0)
}
