package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// VectorClient is the Intel Pipeline's sole dependency on an embedding
// model and vector index: embed one string, insert one point, and (for
// future corroboration features) search by vector. Shaped against Qdrant's
// REST API, the vector store named in the original source, since no Go
// Qdrant client appears anywhere in the retrieval pack.
type VectorClient struct {
	baseURL        string
	collectionName string
	httpClient     *http.Client
	maxRetries     int
}

// VectorClientConfig configures a VectorClient.
type VectorClientConfig struct {
	BaseURL        string
	CollectionName string
	Timeout        time.Duration
	MaxRetries     int
}

func NewVectorClient(cfg VectorClientConfig) *VectorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	return &VectorClient{
		baseURL:        cfg.BaseURL,
		collectionName: cfg.CollectionName,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     retries,
	}
}

// EmbeddingDims is the fixed embedding width the Intel Pipeline generates
// per message, per spec §4.8.
const EmbeddingDims = 384

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns a 384-dim embedding vector for text.
func (c *VectorClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/embed", embedRequest{Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return parsed.Embedding, nil
}

type upsertPointRequest struct {
	Points []upsertPoint `json:"points"`
}

type upsertPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Upsert inserts one vector point with metadata into the configured
// collection, the Intel Pipeline's per-message embedding write.
func (c *VectorClient) Upsert(ctx context.Context, vector []float32, metadata map[string]interface{}) error {
	req := upsertPointRequest{Points: []upsertPoint{{
		ID:      uuid.NewString(),
		Vector:  vector,
		Payload: metadata,
	}}}
	path := fmt.Sprintf("/collections/%s/points", c.collectionName)
	resp, err := c.doRequest(ctx, http.MethodPut, path, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vector upsert failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// SearchItem is one scored result from Search.
type SearchItem struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	Limit  int       `json:"limit"`
}

type searchResponse struct {
	Result []SearchItem `json:"result"`
}

// Search returns the k nearest points to vector.
func (c *VectorClient) Search(ctx context.Context, vector []float32, k int) ([]SearchItem, error) {
	path := fmt.Sprintf("/collections/%s/points/search", c.collectionName)
	resp, err := c.doRequest(ctx, http.MethodPost, path, searchRequest{Vector: vector, Limit: k})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vector search failed: status %d, body: %s", resp.StatusCode, string(body))
	}
	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return parsed.Result, nil
}

func (c *VectorClient) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal vector request: %w", err)
	}
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("build vector request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("vector request failed: %w", err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("vector server error: status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("vector max retries exceeded: %w", lastErr)
}
