package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/joi-labs/joi/pkg/channel"
	"github.com/joi-labs/joi/pkg/scope"
)

// MessageStore persists canonical channel messages and their
// conversations. Delivery from chat networks is at-least-once, so writes
// are idempotent upserts keyed by (channel type, channel id, external id).
type MessageStore struct {
	guard *Guard
}

// NewMessageStore creates a message store on the shared guarded pool.
func NewMessageStore(g *Guard) *MessageStore {
	return &MessageStore{guard: g}
}

// Init creates the conversation and message tables if they don't exist.
func (s *MessageStore) Init(ctx context.Context) error {
	_, err := s.guard.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id           BIGSERIAL PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_id   TEXT NOT NULL,
			scope        TEXT,
			company_id   TEXT,
			contact_id   TEXT,
			metadata     JSONB NOT NULL DEFAULT '{}',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (channel_type, channel_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	_, err = s.guard.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id           BIGSERIAL PRIMARY KEY,
			channel_type TEXT NOT NULL,
			channel_id   TEXT NOT NULL,
			external_id  TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			sender_name  TEXT,
			content      TEXT NOT NULL,
			attachments  JSONB NOT NULL DEFAULT '[]',
			outbound     BOOLEAN NOT NULL DEFAULT FALSE,
			ts           TIMESTAMPTZ NOT NULL,
			UNIQUE (channel_type, channel_id, external_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// Conversation is one stored conversation row with its resolved scope.
type Conversation struct {
	ID          int64
	ChannelType string
	ChannelID   string
	Scope       string
	CompanyID   string
	ContactID   string
	UpdatedAt   time.Time
}

// UpsertMessage stores a canonical message and bumps its conversation,
// both inside one transaction. Replays of the same external id are
// harmless and return the existing row's id.
func (s *MessageStore) UpsertMessage(ctx context.Context, externalID string, msg channel.Message, outbound bool) (int64, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments: %w", err)
	}

	var messageID int64
	err = s.guard.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversations (channel_type, channel_id, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (channel_type, channel_id) DO UPDATE
			SET updated_at = EXCLUDED.updated_at
		`, msg.ChannelType, msg.ChannelID, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO messages
				(channel_type, channel_id, external_id, sender_id, sender_name, content, attachments, outbound, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (channel_type, channel_id, external_id) DO UPDATE
			SET content = EXCLUDED.content,
				attachments = EXCLUDED.attachments
			RETURNING id
		`, msg.ChannelType, msg.ChannelID, externalID, msg.SenderID, msg.SenderName,
			msg.Content, attachments, outbound, msg.Timestamp).Scan(&messageID)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}
		return nil
	})
	return messageID, err
}

// SetConversationScope stores the scope configuration for a conversation.
func (s *MessageStore) SetConversationScope(ctx context.Context, channelType, channelID, scopeValue string, meta map[string]any) error {
	ids := scope.ExtractEntityIDs(meta)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}
	_, err = s.guard.Exec(ctx, `
		INSERT INTO conversations (channel_type, channel_id, scope, company_id, contact_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_type, channel_id) DO UPDATE
		SET scope = EXCLUDED.scope,
			company_id = EXCLUDED.company_id,
			contact_id = EXCLUDED.contact_id,
			metadata = EXCLUDED.metadata
	`, channelType, channelID, scope.Normalize(scopeValue), nullable(ids.CompanyID), nullable(ids.ContactID), metaJSON)
	return err
}

// ListConversations returns conversations visible under the given scope
// options, most recently active first. The scope predicate is part of the
// query itself, never applied client-side.
func (s *MessageStore) ListConversations(ctx context.Context, opts scope.Options, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	allowed := scope.ResolveAllowed(opts)
	pred, args, next := scope.FilterSQL("scope", 1, allowed)

	query := fmt.Sprintf(`
		SELECT id, channel_type, channel_id, COALESCE(scope, ''),
			COALESCE(company_id, ''), COALESCE(contact_id, ''), updated_at
		FROM conversations
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d
	`, pred, next)
	args = append(args, limit)

	rows, err := s.guard.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ChannelType, &c.ChannelID, &c.Scope,
			&c.CompanyID, &c.ContactID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// RecentMessages returns the latest messages for one conversation in
// delivery order (oldest first within the window).
func (s *MessageStore) RecentMessages(ctx context.Context, channelType, channelID string, limit int) ([]channel.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.guard.Query(ctx, `
		SELECT sender_id, COALESCE(sender_name, ''), content, attachments, ts
		FROM (
			SELECT sender_id, sender_name, content, attachments, ts
			FROM messages
			WHERE channel_type = $1 AND channel_id = $2
			ORDER BY ts DESC
			LIMIT $3
		) recent
		ORDER BY ts ASC
	`, channelType, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []channel.Message
	for rows.Next() {
		var m channel.Message
		var attachments []byte
		m.ChannelType = channelType
		m.ChannelID = channelID
		if err := rows.Scan(&m.SenderID, &m.SenderName, &m.Content, &attachments, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
