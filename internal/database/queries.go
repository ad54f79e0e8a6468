package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const listConversationsQuery = "SELECT c.id, c.external_id, c.type, c.group_name, c.group_avatar, c.last_message_id, c.created_at, c.updated_at " +
	"FROM conversations c JOIN conversation_participants cp ON cp.conversation_id = c.id " +
	"WHERE cp.account_id = $1 ORDER BY c.updated_at DESC"

func (db *PgSparkleRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (name, username, email, phone_country_code, phone_number, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id, name, username, email, phone_country_code, phone_number, created_at, updated_at",
		params.Name,
		params.Username,
		params.EmailAddress,
		params.PhoneCountryCode,
		params.PhoneNumber,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.Username,
		&u.EmailAddress,
		&u.PhoneCountryCode,
		&u.PhoneNumber,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgSparkleRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET name = COALESCE(NULLIF($2, ''), name), "+
			"avatar_url = COALESCE(NULLIF($3, ''), avatar_url), "+
			"password_hash = COALESCE(NULLIF($4, ''), password_hash), "+
			"updated_at = $5 WHERE id = $1 "+
			"RETURNING id, name, username, email, phone_country_code, phone_number, avatar_url, created_at, updated_at",
		params.UserId,
		params.Name,
		params.AvatarUrl,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Name,
		&u.Username,
		&u.EmailAddress,
		&u.PhoneCountryCode,
		&u.PhoneNumber,
		&u.AvatarUrl,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func scanAccount(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Name,
		&u.Username,
		&u.EmailAddress,
		&u.PhoneCountryCode,
		&u.PhoneNumber,
		&u.PasswordHash,
		&u.AvatarUrl,
		&u.IsOnline,
		&u.LastSeen,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

const accountColumns = "id, name, username, email, phone_country_code, phone_number, password_hash, avatar_url, is_online, last_seen, created_at, updated_at"

func (db *PgSparkleRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)

	return scanAccount(row)
}

func (db *PgSparkleRepository) FindAccountByIdentifier(identifier string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT "+accountColumns+" FROM accounts "+
			"WHERE username = $1 OR email = $1 OR phone_number = $1 LIMIT 1",
		identifier,
	)

	return scanAccount(row)
}

func (db *PgSparkleRepository) ListAccounts() ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT " + accountColumns + " FROM accounts ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func scanAccounts(rows *sql.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(
			&u.Id,
			&u.Name,
			&u.Username,
			&u.EmailAddress,
			&u.PhoneCountryCode,
			&u.PhoneNumber,
			&u.PasswordHash,
			&u.AvatarUrl,
			&u.IsOnline,
			&u.LastSeen,
			&u.CreatedAt,
			&u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgSparkleRepository) SetUserOnline(accountId int, online bool) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET is_online = $2, last_seen = $3 WHERE id = $1",
		accountId,
		online,
		time.Now().UTC(),
	)

	return err
}

func (db *PgSparkleRepository) ListContacts(accountId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT a.id, a.name, a.username, a.email, a.phone_country_code, a.phone_number, a.password_hash, a.avatar_url, a.is_online, a.last_seen, a.created_at, a.updated_at "+
			"FROM accounts a JOIN contacts c ON c.contact_id = a.id "+
			"WHERE c.account_id = $1 ORDER BY a.name",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func (db *PgSparkleRepository) ContactExists(accountId, contactId int) bool {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM contacts WHERE account_id = $1 AND contact_id = $2)",
		accountId,
		contactId,
	).Scan(&exists)

	return err == nil && exists
}

func (db *PgSparkleRepository) AddContact(accountId, contactId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO contacts (account_id, contact_id, created_at) VALUES ($1, $2, $3)",
		accountId,
		contactId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgSparkleRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, type, group_name, group_avatar, last_message_id, created_at, updated_at "+
			"FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.Type,
		&c.GroupName,
		&c.GroupAvatar,
		&c.LastMessageId,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	c.Participants, err = db.conversationParticipants(c.Id)
	return c, err
}

func (db *PgSparkleRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, type, group_name, group_avatar, last_message_id, created_at, updated_at "+
			"FROM conversations WHERE id = $1 LIMIT 1",
		conversationId,
	)

	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.Type,
		&c.GroupName,
		&c.GroupAvatar,
		&c.LastMessageId,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.Participants, err = db.conversationParticipants(c.Id); err != nil {
		return nil, err
	}

	return &c, nil
}

func (db *PgSparkleRepository) conversationParticipants(conversationId int) ([]User, error) {
	rows, err := db.conn.Query(
		"SELECT a.id, a.name, a.username, a.email, a.phone_country_code, a.phone_number, a.password_hash, a.avatar_url, a.is_online, a.last_seen, a.created_at, a.updated_at "+
			"FROM accounts a JOIN conversation_participants cp ON cp.account_id = a.id "+
			"WHERE cp.conversation_id = $1",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func (db *PgSparkleRepository) ListConversations(accountId int) ([]Conversation, error) {
	rows, err := db.conn.Query(listConversationsQuery, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.Id,
			&c.ExternalId,
			&c.Type,
			&c.GroupName,
			&c.GroupAvatar,
			&c.LastMessageId,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range conversations {
		c := &conversations[i]
		if c.Participants, err = db.conversationParticipants(c.Id); err != nil {
			return nil, err
		}

		if c.LastMessageId.Valid {
			msg, err := db.GetMessageById(int(c.LastMessageId.Int64))
			if err != nil {
				return nil, err
			}
			c.LastMessage = &msg
		}
	}

	return conversations, nil
}

func (db *PgSparkleRepository) FindDM(accountId, participantId int) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT c.id FROM conversations c "+
			"JOIN conversation_participants p1 ON p1.conversation_id = c.id AND p1.account_id = $1 "+
			"JOIN conversation_participants p2 ON p2.conversation_id = c.id AND p2.account_id = $2 "+
			"WHERE c.type = 'dm' LIMIT 1",
		accountId,
		participantId,
	)

	var id int
	if err := row.Scan(&id); err != nil {
		return Conversation{}, err
	}

	c, err := db.GetConversationWithParticipants(id)
	if err != nil {
		return Conversation{}, err
	}

	return *c, nil
}

func (db *PgSparkleRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRow(
		"INSERT INTO conversations (external_id, type, group_name, group_avatar, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, external_id, type, group_name, group_avatar, created_at, updated_at",
		params.ExternalId,
		params.Type,
		params.GroupName,
		params.GroupAvatar,
		now,
	)

	var c Conversation
	if err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.Type,
		&c.GroupName,
		&c.GroupAvatar,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Conversation{}, err
	}

	for _, accountId := range params.ParticipantIds {
		if _, err := tx.Exec(
			"INSERT INTO conversation_participants (conversation_id, account_id, created_at) VALUES ($1, $2, $3)",
			c.Id,
			accountId,
			now,
		); err != nil {
			return Conversation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}

	c.Participants, err = db.conversationParticipants(c.Id)
	return c, err
}

func (db *PgSparkleRepository) IsParticipant(accountId, conversationId int) bool {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE account_id = $1 AND conversation_id = $2)",
		accountId,
		conversationId,
	).Scan(&exists)

	return err == nil && exists
}

const messageColumns = "m.id, m.conversation_id, m.sender_id, a.name, a.avatar_url, m.type, m.content, m.media_url, m.read_by, m.deleted_for, m.deleted_for_everyone, m.created_at, m.updated_at"

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.SenderName,
		&m.SenderAvatarUrl,
		&m.Type,
		&m.Content,
		&m.MediaUrl,
		&m.ReadBy,
		&m.DeletedFor,
		&m.DeletedForEveryone,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	return m, err
}

func (db *PgSparkleRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	// the sender has implicitly read their own message
	row := db.conn.QueryRow(
		"INSERT INTO messages (conversation_id, sender_id, type, content, media_url, read_by, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id",
		params.ConversationId,
		params.SenderId,
		params.Type,
		params.Content,
		params.MediaUrl,
		pq.Int64Array{int64(params.SenderId)},
		time.Now().UTC(),
	)

	var id int
	if err := row.Scan(&id); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return db.GetMessageById(id)
}

func (db *PgSparkleRepository) UpdateConversationLastMessage(conversationId, messageId int) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1",
		conversationId,
		messageId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgSparkleRepository) GetMessages(conversationId, accountId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.conversation_id = $1 AND NOT ($2 = ANY(m.deleted_for)) "+
			"ORDER BY m.created_at ASC",
		conversationId,
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.ConversationId,
			&m.SenderId,
			&m.SenderName,
			&m.SenderAvatarUrl,
			&m.Type,
			&m.Content,
			&m.MediaUrl,
			&m.ReadBy,
			&m.DeletedFor,
			&m.DeletedForEveryone,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgSparkleRepository) GetMessageById(messageId int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.id = $1 LIMIT 1",
		messageId,
	)

	return scanMessage(row)
}

func (db *PgSparkleRepository) DeleteMessageForUser(messageId, accountId int) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET deleted_for = array_append(deleted_for, $2), updated_at = $3 "+
			"WHERE id = $1 AND NOT ($2 = ANY(deleted_for))",
		messageId,
		accountId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgSparkleRepository) DeleteMessageForEveryone(messageId int) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET deleted_for_everyone = true, updated_at = $2 WHERE id = $1",
		messageId,
		time.Now().UTC(),
	)

	return err
}
