package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// EmbedClient is an HTTP client for a text-embeddings-inference server.
type EmbedClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEmbedClient creates a client for the given embedder base URL.
func NewEmbedClient(baseURL string) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// embedRequest is the /embed request body.
type embedRequest struct {
	Inputs any `json:"inputs"` // string or []string
}

// Embed generates embeddings for one or more texts. taskPrefix should be
// PrefixDocument or PrefixQuery.
func (c *EmbedClient) Embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder returned %d: %s", resp.StatusCode, msg)
	}

	var embeddings [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d embeddings for %d texts", len(embeddings), len(texts))
	}
	return embeddings, nil
}

// EmbedOne generates a single embedding.
func (c *EmbedClient) EmbedOne(ctx context.Context, text, taskPrefix string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text}, taskPrefix)
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}
