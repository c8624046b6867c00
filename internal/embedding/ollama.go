package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OllamaConfig holds configuration for the Ollama-backed provider.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimension is the embedding dimension the model produces (default: 768).
	Dimension int

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// RequestsPerSecond limits upstream request rate. Zero disables limiting.
	RequestsPerSecond float64

	// Breaker tunes the circuit breaker around upstream calls.
	Breaker BreakerConfig
}

// OllamaProvider generates embeddings via the Ollama /api/embed endpoint.
// Every upstream call passes through a rate limiter and a circuit breaker.
type OllamaProvider struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	breaker   *breaker
	limiter   *rate.Limiter
}

type ollamaEmbedRequest struct {
	Model string      `json:"model"`
	Input interface{} `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates an Ollama embedding provider with defaults applied.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &OllamaProvider{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   newBreaker(cfg.Breaker),
		limiter:   limiter,
	}
}

// Embed returns the embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama: empty embeddings response")
	}
	return vecs[0], nil
}

// EmbedBatch returns embeddings for all texts in input order using a single
// upstream request.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimension returns the configured embedding dimension.
func (p *OllamaProvider) Dimension() int { return p.dimension }

// ID identifies the provider implementation.
func (p *OllamaProvider) ID() string { return "ollama" }

// Model returns the embedding model name.
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) embed(ctx context.Context, input interface{}) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ollama: rate limiter: %w", err)
	}

	result, err := p.breaker.execute(ctx, func() (interface{}, error) {
		return p.doEmbed(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

func (p *OllamaProvider) doEmbed(ctx context.Context, input interface{}) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama: embed returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	for i, vec := range parsed.Embeddings {
		if len(vec) != p.dimension {
			return nil, fmt.Errorf("ollama: embedding %d has dimension %d, expected %d", i, len(vec), p.dimension)
		}
	}

	return parsed.Embeddings, nil
}
