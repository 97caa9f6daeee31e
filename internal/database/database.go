package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"chatsync/internal/migrations"
	"chatsync/internal/models"
	"chatsync/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Database is the owner-scoped Timeline Store backed by sqlite.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	owner     string
}

func New(dbPath, owner string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("owner address is required")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	closeWith := func(err error, msg string) error {
		if closeErr := db.Close(); closeErr != nil {
			return fmt.Errorf("%s: %w (close error: %v)", msg, err, closeErr)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(err, "failed to ping database")
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		return nil, closeWith(err, "failed to read schema")
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, closeWith(err, "failed to initialize schema")
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(err, "failed to initialize encryptor")
	}

	return &Database{db: db, encryptor: encryptor, owner: owner}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Owner returns the account address every row is scoped to.
func (d *Database) Owner() string {
	return d.owner
}

// Store returns a non-transactional view for reads and single statements.
func (d *Database) Store() *Store {
	return &Store{q: d.db, encryptor: d.encryptor, owner: d.owner}
}

// WithTx runs fn inside one transaction. fn may be invoked again when the
// database reports a transient lock, so it must not leak side effects from
// a failed attempt.
func (d *Database) WithTx(ctx context.Context, fn func(*Store) error) error {
	return withLockRetry(ctx, "transaction", func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(&Store{q: tx, encryptor: d.encryptor, owner: d.owner}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// Store exposes the Timeline Store operations over a connection or a transaction.
type Store struct {
	q         querier
	encryptor *encryptor
	owner     string
}

func (s *Store) Owner() string {
	return s.owner
}

// UpsertMessage inserts or merges a message by (conversation, remote id).
// It reports whether the row did not exist before.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message) (bool, error) {
	if m.ConversationID == "" || m.RemoteID == "" {
		return false, fmt.Errorf("message identity is incomplete: %q/%q", m.ConversationID, m.RemoteID)
	}
	if !m.Status.Valid() {
		return false, fmt.Errorf("invalid status %q", m.Status)
	}

	var exists int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE owner = ? AND conversation_id = ? AND remote_id = ?`,
		s.owner, m.ConversationID, m.RemoteID).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to look up message: %w", err)
	}

	scope := rowScope(s.owner, m.ConversationID)
	body, err := s.encryptor.sealNullable(m.Body, scope)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt body: %w", err)
	}

	var attachment interface{}
	if m.Attachment != nil {
		raw, err := json.Marshal(m.Attachment)
		if err != nil {
			return false, fmt.Errorf("failed to encode attachment: %w", err)
		}
		if attachment, err = s.encryptor.Seal(string(raw), scope); err != nil {
			return false, fmt.Errorf("failed to encrypt attachment: %w", err)
		}
	}

	msgType := m.Type
	if msgType == "" {
		msgType = models.MessageTypeDirect
	}

	_, err = s.q.ExecContext(ctx, UpsertMessageQuery,
		s.owner,
		m.ConversationID,
		m.RemoteID,
		nullString(m.ArchiveID),
		m.Sender,
		body,
		attachment,
		m.Timestamp.UnixNano(),
		nullString(m.Thread),
		nullString(m.ReplyTo),
		string(msgType),
		m.Outgoing,
		string(m.Status),
		m.Status.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert message: %w", err)
	}

	return exists == 0, nil
}

// GetMessage returns the stored row for ref, or nil when it is unknown.
func (s *Store) GetMessage(ctx context.Context, ref models.MessageRef) (*models.Message, error) {
	row := s.q.QueryRowContext(ctx, SelectMessageQuery, s.owner, ref.ConversationID, ref.RemoteID)
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", ref, err)
	}
	return m, nil
}

// FindByRemoteID looks a message up by remote id across the owner's conversations.
func (s *Store) FindByRemoteID(ctx context.Context, remoteID string) (*models.Message, error) {
	row := s.q.QueryRowContext(ctx, SelectMessageByRemoteIDQuery, s.owner, remoteID)
	m, err := s.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message %s: %w", remoteID, err)
	}
	return m, nil
}

// EscalateStatus raises the status of one message if it is currently lower.
func (s *Store) EscalateStatus(ctx context.Context, ref models.MessageRef, status models.Status) (bool, error) {
	if status == models.StatusError || !status.Valid() {
		return false, fmt.Errorf("cannot escalate to %q", status)
	}
	res, err := s.q.ExecContext(ctx, EscalateStatusQuery,
		string(status), status.Rank(), s.owner, ref.ConversationID, ref.RemoteID, status.Rank())
	if err != nil {
		return false, fmt.Errorf("failed to escalate status: %w", err)
	}
	return affected(res)
}

// MarkError moves a Pending or Sent message to Error.
func (s *Store) MarkError(ctx context.Context, ref models.MessageRef, cause string) (bool, error) {
	res, err := s.q.ExecContext(ctx, MarkErrorQuery, nullString(cause), s.owner, ref.ConversationID, ref.RemoteID)
	if err != nil {
		return false, fmt.Errorf("failed to mark error: %w", err)
	}
	return affected(res)
}

// ApplyWaterLine raises every message ordered before pivot from the same
// effective peer to status. For outgoing messages the peer is the
// conversation itself; for incoming ones it is the sender.
func (s *Store) ApplyWaterLine(ctx context.Context, pivot *models.Message, status models.Status) (int64, error) {
	if status == models.StatusError || !status.Valid() {
		return 0, fmt.Errorf("cannot apply water-line for %q", status)
	}

	ts := pivot.Timestamp.UnixNano()
	var (
		res sql.Result
		err error
	)
	if pivot.Outgoing {
		res, err = s.q.ExecContext(ctx, WaterLineOutgoingQuery,
			string(status), status.Rank(), s.owner, pivot.ConversationID,
			ts, ts, pivot.RemoteID, status.Rank())
	} else {
		res, err = s.q.ExecContext(ctx, WaterLineIncomingQuery,
			string(status), status.Rank(), s.owner, pivot.ConversationID, pivot.Sender,
			ts, ts, pivot.RemoteID, status.Rank())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to apply water-line: %w", err)
	}
	return res.RowsAffected()
}

// RecordMarker stores one participant acknowledgment. Repeats are ignored.
func (s *Store) RecordMarker(ctx context.Context, marker models.Marker) (bool, error) {
	res, err := s.q.ExecContext(ctx, InsertMarkerQuery,
		s.owner, marker.Ref.ConversationID, marker.Ref.RemoteID, marker.Participant, string(marker.Kind))
	if err != nil {
		return false, fmt.Errorf("failed to record marker: %w", err)
	}
	return affected(res)
}

// CountMarkers counts distinct participants that acknowledged ref at least at kind.
func (s *Store) CountMarkers(ctx context.Context, ref models.MessageRef, kind models.MarkerKind) (int, error) {
	query := CountReceivedMarkersQuery
	if kind == models.MarkerDisplayed {
		query = CountDisplayedMarkersQuery
	}
	var count int
	if err := s.q.QueryRowContext(ctx, query, s.owner, ref.ConversationID, ref.RemoteID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count markers: %w", err)
	}
	return count, nil
}

// SaveConversation records a conversation and replaces its participant set.
func (s *Store) SaveConversation(ctx context.Context, conv models.Conversation) error {
	if _, err := s.q.ExecContext(ctx, UpsertConversationQuery,
		s.owner, conv.ID, conv.IsGroup, nullString(conv.SelfNick)); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, DeleteParticipantsQuery, s.owner, conv.ID); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	for _, p := range conv.Participants {
		if _, err := s.q.ExecContext(ctx, InsertParticipantQuery, s.owner, conv.ID, p); err != nil {
			return fmt.Errorf("failed to save participant: %w", err)
		}
	}
	return nil
}

// GetConversation returns the conversation record, or nil when unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := models.Conversation{Owner: s.owner}
	err := s.q.QueryRowContext(ctx, SelectConversationQuery, s.owner, id).Scan(&conv.ID, &conv.IsGroup, &conv.SelfNick)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, SelectParticipantsQuery, s.owner, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
	}
	return &conv, rows.Err()
}

// ListConversations returns every known conversation without participants.
func (s *Store) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.q.QueryContext(ctx, SelectConversationsQuery, s.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []models.Conversation
	for rows.Next() {
		conv := models.Conversation{Owner: s.owner}
		if err := rows.Scan(&conv.ID, &conv.IsGroup, &conv.SelfNick); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// ParticipantCount returns the known participant count of a conversation, 0 if unknown.
func (s *Store) ParticipantCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, CountParticipantsQuery, s.owner, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count participants: %w", err)
	}
	return count, nil
}

// ListBefore returns up to limit messages ordered before cursor, oldest
// first. A nil cursor returns the newest messages.
func (s *Store) ListBefore(ctx context.Context, conversationID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.q.QueryContext(ctx, SelectLatestQuery, s.owner, conversationID, limit)
	} else {
		ts := cursor.Timestamp.UnixNano()
		rows, err = s.q.QueryContext(ctx, SelectBeforeQuery, s.owner, conversationID, ts, ts, cursor.RemoteID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages, err := s.collect(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListAfter returns up to limit messages ordered after cursor, oldest
// first. A nil cursor starts at the beginning of the conversation.
func (s *Store) ListAfter(ctx context.Context, conversationID string, cursor *models.Message, limit int) ([]*models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.q.QueryContext(ctx, SelectEarliestQuery, s.owner, conversationID, limit)
	} else {
		ts := cursor.Timestamp.UnixNano()
		rows, err = s.q.QueryContext(ctx, SelectAfterQuery, s.owner, conversationID, ts, ts, cursor.RemoteID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return s.collect(rows)
}

// LatestArchived returns the newest message that carries an archive id.
func (s *Store) LatestArchived(ctx context.Context, conversationID string) (*models.Message, error) {
	m, err := s.scanMessage(s.q.QueryRowContext(ctx, SelectLatestArchivedQuery, s.owner, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest archived message: %w", err)
	}
	return m, nil
}

// ListOutgoingByStatus returns locally originated messages at status, oldest first.
func (s *Store) ListOutgoingByStatus(ctx context.Context, status models.Status) ([]*models.Message, error) {
	rows, err := s.q.QueryContext(ctx, SelectOutgoingByStatusQuery, s.owner, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing messages: %w", err)
	}
	return s.collect(rows)
}

// ReassignRemoteID gives an errored message a fresh remote id and resets it to Pending.
func (s *Store) ReassignRemoteID(ctx context.Context, ref models.MessageRef, newRemoteID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, ReassignRemoteIDQuery, newRemoteID, s.owner, ref.ConversationID, ref.RemoteID)
	if err != nil {
		return false, fmt.Errorf("failed to reassign remote id: %w", err)
	}
	return affected(res)
}

// CountStaleOutgoing counts outgoing messages still Pending or Sent that were
// composed before olderThan.
func (s *Store) CountStaleOutgoing(ctx context.Context, olderThan time.Time) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, CountStaleOutgoingQuery, s.owner, olderThan.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale outgoing messages: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                           models.Message
		archiveID, body, attachment sql.NullString
		thread, replyTo, errorCause sql.NullString
		ts                          int64
		msgType, status             string
	)
	err := row.Scan(
		&m.Owner, &m.ConversationID, &m.RemoteID, &archiveID, &m.Sender, &body, &attachment,
		&ts, &thread, &replyTo, &msgType, &m.Outgoing, &status, &errorCause, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ArchiveID = archiveID.String
	m.Thread = thread.String
	m.ReplyTo = replyTo.String
	m.ErrorCause = errorCause.String
	m.Timestamp = time.Unix(0, ts).UTC()
	m.Type = models.MessageType(msgType)
	if m.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}

	scope := rowScope(m.Owner, m.ConversationID)
	if body.Valid {
		plain, err := s.encryptor.Open(body.String, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt body: %w", err)
		}
		m.Body = &plain
	}
	if attachment.Valid && attachment.String != "" {
		raw, err := s.encryptor.Open(attachment.String, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt attachment: %w", err)
		}
		var a models.Attachment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to decode attachment: %w", err)
		}
		m.Attachment = &a
	}
	return &m, nil
}

func (s *Store) collect(rows *sql.Rows) ([]*models.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
