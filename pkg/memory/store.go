// Package memory provides semantic recall over conversation messages via
// vector embeddings: an HTTP embedder generates them, pgvector stores and
// searches them. Optional; the gateway degrades to unavailable without it.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/joi-labs/joi/pkg/store"
)

// Store provides pgvector-backed message embedding storage and search.
type Store struct {
	guard *store.Guard
}

// SearchResult holds a vector similarity search result.
type SearchResult struct {
	MessageID int64
	Distance  float64 // cosine distance (lower = more similar)
}

// RegisterTypes installs pgvector codecs on a new pool connection. Pass it
// as the pool's AfterConnect hook.
func RegisterTypes(ctx context.Context, conn *pgx.Conn) error {
	return pgxvec.RegisterTypes(ctx, conn)
}

// NewStore creates the embedding store on the shared guarded pool.
func NewStore(g *store.Guard) *Store {
	return &Store{guard: g}
}

// Init creates the pgvector extension, table, and index if they don't
// exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.guard.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	if _, err := s.guard.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id  BIGINT PRIMARY KEY,
			embedding   vector(768) NOT NULL,
			embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create message embeddings table: %w", err)
	}

	if _, err := s.guard.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw
		ON message_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	slog.Info("message embedding store initialized")
	return nil
}

// Insert stores or replaces the embedding for a message.
func (s *Store) Insert(ctx context.Context, messageID int64, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	_, err := s.guard.Exec(ctx, `
		INSERT INTO message_embeddings (message_id, embedding, embedded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
			embedded_at = now()
	`, messageID, vec)
	if err != nil {
		return fmt.Errorf("insert embedding %d: %w", messageID, err)
	}
	return nil
}

// Search returns the top-K most similar messages by cosine distance.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.guard.Query(ctx, `
		SELECT message_id, embedding <=> $1 AS distance
		FROM message_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageID, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
