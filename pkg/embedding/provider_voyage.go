package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VoyageProvider produces embeddings through the Voyage AI API.
type VoyageProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewVoyageProvider creates a Voyage AI embedding provider. The default
// model is voyage-code-2, which works well for code-heavy queries.
func NewVoyageProvider(apiKey string) *VoyageProvider {
	return &VoyageProvider{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1",
		model:   "voyage-code-2",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name identifies the provider in logs and health output.
func (p *VoyageProvider) Name() string { return "voyage" }

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed generates an embedding for a single text.
func (p *VoyageProvider) Embed(ctx context.Context, text string) (Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for several texts in one call.
func (p *VoyageProvider) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	reqBody := voyageRequest{
		Input:     texts,
		Model:     p.model,
		InputType: "query",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voyage API error (status %d): %s", resp.StatusCode, string(body))
	}

	var voyageResp voyageResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("voyage returned %d embeddings for %d inputs", len(voyageResp.Data), len(texts))
	}

	vecs := make([]Vector, len(texts))
	for _, item := range voyageResp.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, fmt.Errorf("voyage returned out-of-range index %d", item.Index)
		}
		vecs[item.Index] = Vector(item.Embedding)
	}
	return vecs, nil
}
