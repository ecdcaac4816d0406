package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

// CreateConversation starts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (title)
		VALUES (NULLIF($1, ''))
		RETURNING id, COALESCE(title, ''), created_at, updated_at`, title).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "title", c.Title)
	return &c, nil
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(title, ''), created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &c, nil
}

// ListConversations lists conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit, offset int32) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(title, ''), created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// SetConversationTitle updates a conversation title.
func (s *Store) SetConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = NULLIF($2, ''), updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// AppendTurn appends a turn to a conversation. Sequence numbers are
// assigned inside a transaction holding a row lock on the conversation,
// so concurrent appenders can never produce duplicates.
func (s *Store) AppendTurn(ctx context.Context, conversationID uuid.UUID, turn Turn) (*Turn, error) {
	citationsJSON, err := json.Marshal(emptyIfNil(turn.Citations))
	if err != nil {
		return nil, fmt.Errorf("marshaling citations: %w", err)
	}
	followUpsJSON, err := json.Marshal(emptyIfNil(turn.FollowUps))
	if err != nil {
		return nil, fmt.Errorf("marshaling follow-ups: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&lockedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking conversation %s: %w", conversationID, err)
	}

	saved := turn
	saved.ConversationID = conversationID
	err = tx.QueryRow(ctx, `
		INSERT INTO turns (conversation_id, role, body, citations, follow_ups, incomplete, sequence_number)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(sequence_number) FROM turns WHERE conversation_id = $1), 0) + 1)
		RETURNING id, sequence_number, created_at`,
		conversationID, turn.Role, turn.Text, citationsJSON, followUpsJSON, turn.Incomplete).
		Scan(&saved.ID, &saved.SequenceNumber, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("appending turn: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn",
		"conversation_id", conversationID,
		"role", saved.Role,
		"sequence", saved.SequenceNumber,
		"incomplete", saved.Incomplete)
	return &saved, nil
}

// History returns the most recent turns of a conversation in
// chronological order, bounded by limit.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, body, citations, follow_ups, incomplete, sequence_number, created_at
		FROM (
			SELECT * FROM turns
			WHERE conversation_id = $1
			ORDER BY sequence_number DESC
			LIMIT $2
		) recent
		ORDER BY sequence_number ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t             Turn
			citationsJSON []byte
			followUpsJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Text,
			&citationsJSON, &followUpsJSON, &t.Incomplete, &t.SequenceNumber, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal(citationsJSON, &t.Citations); err != nil {
			return nil, fmt.Errorf("parsing citations: %w", err)
		}
		if err := json.Unmarshal(followUpsJSON, &t.FollowUps); err != nil {
			return nil, fmt.Errorf("parsing follow-ups: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return out, nil
}
