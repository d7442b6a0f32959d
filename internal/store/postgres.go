package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// failure, the error class callers catch to retry username assignment.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, external_id, username, first_name, last_name, email, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.ExternalID,
		&user.Username,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (external_id, username, first_name, last_name, email)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns+`
	`, user.ExternalID, user.Username, user.FirstName, user.LastName, user.Email)
	created, err := scanUser(row)
	if err != nil {
		// Unique violations pass through unwrapped so callers can
		// classify them and retry with a different username.
		if IsUniqueViolation(err) {
			return User{}, err
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, externalID, firstName, lastName, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET first_name=$2, last_name=$3, email=$4, updated_at=NOW()
		WHERE external_id=$1
		RETURNING `+userColumns+`
	`, externalID, firstName, lastName, email)
	return scanUser(row)
}

func (s *PostgresStore) DeleteUserByExternalID(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE external_id=$1`, externalID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=$1`, externalID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// CountUsersByIDs returns how many of the given ids reference existing
// users, used to validate a participant set all-or-nothing.
func (s *PostgresStore) CountUsersByIDs(ctx context.Context, ids []string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ANY($1)`, ids).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, name *string, participantIDs []string) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("begin create thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var thread Thread
	err = tx.QueryRowContext(ctx, `
		INSERT INTO threads (name)
		VALUES ($1)
		RETURNING id, name, created_at, last_message_at
	`, name).Scan(&thread.ID, &thread.Name, &thread.CreatedAt, &thread.LastMessageAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}

	for _, userID := range participantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_participants (thread_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (thread_id, user_id) DO NOTHING
		`, thread.ID, userID); err != nil {
			return Thread{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("commit create thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, last_message_at
		FROM threads
		WHERE id=$1
	`, threadID).Scan(&thread.ID, &thread.Name, &thread.CreatedAt, &thread.LastMessageAt)
	if err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) ListThreadsForUser(ctx context.Context, userID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at, t.last_message_at
		FROM threads t
		JOIN thread_participants tp ON tp.thread_id = t.id
		WHERE tp.user_id=$1
		ORDER BY t.last_message_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		var item Thread
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt, &item.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, threadID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tp.thread_id, tp.user_id, u.username, u.first_name, u.last_name, tp.joined_at
		FROM thread_participants tp
		JOIN users u ON u.id = tp.user_id
		WHERE tp.thread_id=$1
		ORDER BY tp.joined_at ASC, u.username ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.ThreadID, &item.UserID, &item.Username, &item.FirstName, &item.LastName, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM thread_participants WHERE thread_id=$1 AND user_id=$2)
	`, threadID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participation: %w", err)
	}
	return exists, nil
}

// AddParticipant inserts a membership row. Returns false when the user
// was already a participant.
func (s *PostgresStore) AddParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, userID)
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add participant rows: %w", err)
	}
	return affected > 0, nil
}

const messageJoinColumns = `
	m.id, m.thread_id, m.sender_id, m.content, m.is_deleted, m.edited_at, m.created_at, m.updated_at,
	u.username, u.first_name, u.last_name`

func scanMessageWithSender(row interface{ Scan(...any) error }) (MessageWithSender, error) {
	var item MessageWithSender
	err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.SenderID,
		&item.Content,
		&item.IsDeleted,
		&item.EditedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.SenderUsername,
		&item.SenderFirstName,
		&item.SenderLastName,
	)
	return item, err
}

// AppendMessage inserts a message and advances the owning thread's
// last_message_at to the insert timestamp in the same transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, threadID, senderID, content string) (MessageWithSender, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageWithSender{}, fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var msg Message
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (thread_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, thread_id, sender_id, content, is_deleted, edited_at, created_at, updated_at
	`, threadID, senderID, content).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Content,
		&msg.IsDeleted,
		&msg.EditedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return MessageWithSender{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET last_message_at=$2 WHERE id=$1
	`, threadID, msg.CreatedAt); err != nil {
		return MessageWithSender{}, fmt.Errorf("bump last_message_at: %w", err)
	}

	var item MessageWithSender
	item.Message = msg
	err = tx.QueryRowContext(ctx, `
		SELECT username, first_name, last_name FROM users WHERE id=$1
	`, senderID).Scan(&item.SenderUsername, &item.SenderFirstName, &item.SenderLastName)
	if err != nil {
		return MessageWithSender{}, fmt.Errorf("join sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MessageWithSender{}, fmt.Errorf("commit append message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var msg Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_id, content, is_deleted, edited_at, created_at, updated_at
		FROM messages
		WHERE id=$1
	`, messageID).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Content,
		&msg.IsDeleted,
		&msg.EditedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// UpdateMessageContent edits a not-yet-deleted message, stamping
// edited_at. Returns false when the row was missing or already deleted.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string) (*time.Time, error) {
	var editedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content=$2, edited_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND is_deleted=FALSE
		RETURNING edited_at
	`, messageID, content).Scan(&editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update message content: %w", err)
	}
	return &editedAt, nil
}

// SoftDeleteMessage flips the delete flag once. Content is retained.
// Returns false when the row was missing or already deleted.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted=TRUE, updated_at=NOW()
		WHERE id=$1 AND is_deleted=FALSE
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete message rows: %w", err)
	}
	return affected > 0, nil
}

// MessagePage bounds a reverse-chronological scan. A nil cursor starts
// from the newest message.
type MessagePage struct {
	Limit           int
	CursorCreatedAt *time.Time
	CursorID        string
}

// ListMessages returns up to page.Limit non-deleted messages for a
// thread ordered (created_at DESC, id DESC), strictly older than the
// cursor position when one is set.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, page MessagePage) ([]MessageWithSender, error) {
	cond := And(
		Eq("m.thread_id", threadID),
		Eq("m.is_deleted", false),
	)
	if page.CursorCreatedAt != nil {
		cond = And(cond, Or(
			Lt("m.created_at", *page.CursorCreatedAt),
			And(
				Eq("m.created_at", *page.CursorCreatedAt),
				Lt("m.id", page.CursorID),
			),
		))
	}
	where, args := BuildWhere(cond)
	args = append(args, page.Limit)

	query := `
		SELECT ` + messageJoinColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		` + where + `
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageWithSender, 0)
	for rows.Next() {
		item, err := scanMessageWithSender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
