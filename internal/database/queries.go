package database

const messageColumns = `
	owner, conversation_id, remote_id, archive_id, sender, body, attachment_json,
	timestamp, thread, reply_to, type, outgoing, status, error_cause, created_at, updated_at`

// Message queries
const (
	// Later applications overwrite payload fields; status only moves up and
	// an archive id, once known, is never cleared.
	UpsertMessageQuery = `
		INSERT INTO messages (
			owner, conversation_id, remote_id, archive_id, sender, body, attachment_json,
			timestamp, thread, reply_to, type, outgoing, status, status_rank
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, conversation_id, remote_id) DO UPDATE SET
			archive_id = COALESCE(excluded.archive_id, messages.archive_id),
			sender = excluded.sender,
			body = COALESCE(excluded.body, messages.body),
			attachment_json = COALESCE(excluded.attachment_json, messages.attachment_json),
			timestamp = excluded.timestamp,
			thread = COALESCE(excluded.thread, messages.thread),
			reply_to = COALESCE(excluded.reply_to, messages.reply_to),
			type = excluded.type,
			outgoing = MAX(messages.outgoing, excluded.outgoing),
			status = CASE WHEN excluded.status_rank > messages.status_rank
				THEN excluded.status ELSE messages.status END,
			error_cause = CASE WHEN excluded.status_rank > messages.status_rank
				THEN NULL ELSE messages.error_cause END,
			status_rank = MAX(messages.status_rank, excluded.status_rank)
	`

	SelectMessageQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ? AND remote_id = ?
	`

	SelectMessageByRemoteIDQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND remote_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	EscalateStatusQuery = `
		UPDATE messages
		SET status = ?, status_rank = ?, error_cause = NULL
		WHERE owner = ? AND conversation_id = ? AND remote_id = ? AND status_rank < ?
	`

	// Error is reachable from Pending or Sent only.
	MarkErrorQuery = `
		UPDATE messages
		SET status = 'error', status_rank = -1, error_cause = ?
		WHERE owner = ? AND conversation_id = ? AND remote_id = ? AND status_rank IN (0, 1)
	`

	// Pending and Error rows sit below rank 1 and are never touched by the water-line.
	WaterLineOutgoingQuery = `
		UPDATE messages
		SET status = ?, status_rank = ?
		WHERE owner = ? AND conversation_id = ? AND outgoing = 1
		  AND (timestamp < ? OR (timestamp = ? AND remote_id < ?))
		  AND status_rank >= 1 AND status_rank < ?
	`

	WaterLineIncomingQuery = `
		UPDATE messages
		SET status = ?, status_rank = ?
		WHERE owner = ? AND conversation_id = ? AND outgoing = 0 AND sender = ?
		  AND (timestamp < ? OR (timestamp = ? AND remote_id < ?))
		  AND status_rank >= 1 AND status_rank < ?
	`

	SelectBeforeQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ?
		  AND (timestamp < ? OR (timestamp = ? AND remote_id < ?))
		ORDER BY timestamp DESC, remote_id DESC
		LIMIT ?
	`

	SelectLatestQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ?
		ORDER BY timestamp DESC, remote_id DESC
		LIMIT ?
	`

	SelectAfterQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ?
		  AND (timestamp > ? OR (timestamp = ? AND remote_id > ?))
		ORDER BY timestamp ASC, remote_id ASC
		LIMIT ?
	`

	SelectEarliestQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ?
		ORDER BY timestamp ASC, remote_id ASC
		LIMIT ?
	`

	SelectLatestArchivedQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND conversation_id = ? AND archive_id IS NOT NULL AND archive_id != ''
		ORDER BY timestamp DESC, remote_id DESC
		LIMIT 1
	`

	SelectOutgoingByStatusQuery = `SELECT` + messageColumns + `
		FROM messages
		WHERE owner = ? AND outgoing = 1 AND status = ?
		ORDER BY timestamp ASC, remote_id ASC
	`

	ReassignRemoteIDQuery = `
		UPDATE messages
		SET remote_id = ?, status = 'pending', status_rank = 0, error_cause = NULL
		WHERE owner = ? AND conversation_id = ? AND remote_id = ? AND status_rank = -1
	`

	CountStaleOutgoingQuery = `
		SELECT COUNT(*)
		FROM messages
		WHERE owner = ? AND outgoing = 1 AND status_rank IN (0, 1) AND timestamp < ?
	`
)

// Marker and conversation queries
const (
	InsertMarkerQuery = `
		INSERT OR IGNORE INTO markers (owner, conversation_id, remote_id, participant, kind)
		VALUES (?, ?, ?, ?, ?)
	`

	// A displayed marker also counts as received.
	// Markers from senders outside a known participant set do not count.
	// With no participants recorded every sender counts.
	currentParticipantFilter = `
		  AND (m.participant IN (
		         SELECT p.participant FROM participants p
		         WHERE p.owner = m.owner AND p.conversation_id = m.conversation_id)
		       OR NOT EXISTS (
		         SELECT 1 FROM participants p
		         WHERE p.owner = m.owner AND p.conversation_id = m.conversation_id))
	`

	CountReceivedMarkersQuery = `
		SELECT COUNT(DISTINCT m.participant)
		FROM markers m
		WHERE m.owner = ? AND m.conversation_id = ? AND m.remote_id = ?
	` + currentParticipantFilter

	CountDisplayedMarkersQuery = `
		SELECT COUNT(DISTINCT m.participant)
		FROM markers m
		WHERE m.owner = ? AND m.conversation_id = ? AND m.remote_id = ? AND m.kind = 'displayed'
	` + currentParticipantFilter

	UpsertConversationQuery = `
		INSERT INTO conversations (owner, conversation_id, is_group, self_nick)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, conversation_id) DO UPDATE SET
			is_group = excluded.is_group,
			self_nick = excluded.self_nick
	`

	SelectConversationQuery = `
		SELECT conversation_id, is_group, COALESCE(self_nick, '')
		FROM conversations
		WHERE owner = ? AND conversation_id = ?
	`

	SelectConversationsQuery = `
		SELECT conversation_id, is_group, COALESCE(self_nick, '')
		FROM conversations
		WHERE owner = ?
		ORDER BY conversation_id
	`

	DeleteParticipantsQuery = `
		DELETE FROM participants WHERE owner = ? AND conversation_id = ?
	`

	InsertParticipantQuery = `
		INSERT OR IGNORE INTO participants (owner, conversation_id, participant)
		VALUES (?, ?, ?)
	`

	SelectParticipantsQuery = `
		SELECT participant FROM participants
		WHERE owner = ? AND conversation_id = ?
		ORDER BY participant
	`

	CountParticipantsQuery = `
		SELECT COUNT(*) FROM participants WHERE owner = ? AND conversation_id = ?
	`
)
