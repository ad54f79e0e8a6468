package database

type SparkleRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	FindAccountByIdentifier(identifier string) (User, error)
	ListAccounts() ([]User, error)
	SetUserOnline(accountId int, online bool) error
	ListContacts(accountId int) ([]User, error)
	ContactExists(accountId, contactId int) bool
	AddContact(accountId, contactId int) error
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationWithParticipants(conversationId int) (*Conversation, error)
	ListConversations(accountId int) ([]Conversation, error)
	FindDM(accountId, participantId int) (Conversation, error)
	CreateConversation(params CreateConversationParams) (Conversation, error)
	IsParticipant(accountId, conversationId int) bool
	CreateMessage(params CreateMessageParams) (Message, error)
	UpdateConversationLastMessage(conversationId, messageId int) error
	GetMessages(conversationId, accountId int) ([]Message, error)
	GetMessageById(messageId int) (Message, error)
	DeleteMessageForUser(messageId, accountId int) error
	DeleteMessageForEveryone(messageId int) error
}
