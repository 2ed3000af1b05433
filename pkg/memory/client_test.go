package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeEmbedder answers /embed with one small vector per input.
func fakeEmbedder(t *testing.T, lastBody *embedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(lastBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n := 1
		if inputs, ok := lastBody.Inputs.([]any); ok {
			n = len(inputs)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		json.NewEncoder(w).Encode(out)
	}))
}

func TestEmbedOne(t *testing.T) {
	var body embedRequest
	srv := fakeEmbedder(t, &body)
	defer srv.Close()

	c := NewEmbedClient(srv.URL)
	vec, err := c.EmbedOne(context.Background(), "where did I park", PrefixQuery)
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("embedding length = %d", len(vec))
	}

	// Single texts go up as a bare string with the task prefix applied
	input, ok := body.Inputs.(string)
	if !ok {
		t.Fatalf("Inputs = %T, want string", body.Inputs)
	}
	if !strings.HasPrefix(input, PrefixQuery) {
		t.Errorf("input %q missing query prefix", input)
	}
}

func TestEmbedBatch(t *testing.T) {
	var body embedRequest
	srv := fakeEmbedder(t, &body)
	defer srv.Close()

	c := NewEmbedClient(srv.URL)
	vecs, err := c.Embed(context.Background(), []string{"one", "two"}, PrefixDocument)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(vecs))
	}

	inputs, ok := body.Inputs.([]any)
	if !ok || len(inputs) != 2 {
		t.Fatalf("Inputs = %v", body.Inputs)
	}
	if inputs[0] != PrefixDocument+"one" {
		t.Errorf("inputs[0] = %v", inputs[0])
	}
}

func TestEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL)
	if _, err := c.EmbedOne(context.Background(), "x", PrefixQuery); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]float32{{0.1}})
	}))
	defer srv.Close()

	c := NewEmbedClient(srv.URL)
	if _, err := c.Embed(context.Background(), []string{"a", "b"}, PrefixDocument); err == nil {
		t.Fatal("expected error on count mismatch")
	}
}
