package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sorenkell/memedb/internal/util"
)

const (
	// DefaultCaptionModel is the vision-language model used for captions and tags
	DefaultCaptionModel = "moondream"

	// DefaultEmbedModel is the text embedding model
	DefaultEmbedModel = "nomic-embed-text"

	captionPrompt = "Describe this image in one or two sentences."
	tagsPrompt    = "List comma-separated tags for this image."
)

// OllamaConfig holds configuration for the Ollama-backed gateway
type OllamaConfig struct {
	BaseURL      string // e.g. http://localhost:11434
	CaptionModel string
	EmbedModel   string
	Timeout      time.Duration     // per model call
	Retry        *util.RetryConfig // nil uses defaults
}

// OllamaGateway talks to a local or remote Ollama server. It is the
// single point of variability for model access: one instance is
// constructed at startup, shared across workers, and closed on
// shutdown.
type OllamaGateway struct {
	baseURL      string
	captionModel string
	embedModel   string
	timeout      time.Duration
	retry        *util.RetryConfig
	httpClient   *http.Client
}

// NewOllamaGateway creates a gateway against an Ollama server
func NewOllamaGateway(cfg *OllamaConfig) *OllamaGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.CaptionModel == "" {
		cfg.CaptionModel = DefaultCaptionModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &OllamaGateway{
		baseURL:      cfg.BaseURL,
		captionModel: cfg.CaptionModel,
		embedModel:   cfg.EmbedModel,
		timeout:      cfg.Timeout,
		retry:        cfg.Retry,
		httpClient: &http.Client{
			Timeout: cfg.Timeout + 5*time.Second,
		},
	}
}

// ModelTag identifies the caption+embed model pair
func (g *OllamaGateway) ModelTag() string {
	return g.captionModel + "+" + g.embedModel
}

// Close releases resources used by the gateway
func (g *OllamaGateway) Close() {
	g.httpClient.CloseIdleConnections()
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Stream bool     `json:"stream"`
	Images []string `json:"images,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Caption generates a description and tags for an image. Two model
// calls: one for the caption, one for a comma-separated tag list.
func (g *OllamaGateway) Caption(ctx context.Context, image []byte) (string, []string, error) {
	encoded := base64.StdEncoding.EncodeToString(image)

	caption, err := util.RetryWithBackoff(ctx, g.retry, func() (string, error) {
		return g.generate(ctx, encoded, captionPrompt)
	}, "caption")
	if err != nil {
		return "", nil, fmt.Errorf("caption call failed: %w", err)
	}
	if caption == "" {
		return "", nil, fmt.Errorf("%w: empty caption response", util.ErrModelPermanent)
	}

	tagsAnswer, err := util.RetryWithBackoff(ctx, g.retry, func() (string, error) {
		return g.generate(ctx, encoded, tagsPrompt)
	}, "tags")
	if err != nil {
		// Tags are an enrichment on top of the caption, not a hard
		// requirement; a tag failure degrades to caption-only.
		util.WarnLog("Tag generation failed, indexing with caption only: %v", err)
		return caption, nil, nil
	}

	return caption, ParseTagList(tagsAnswer), nil
}

// Embed returns the vector for a single normalized text
func (g *OllamaGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embedCall(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one call. If the batched call
// fails with a retryable error the batch degrades to per-item calls so
// one poisoned input cannot sink its neighbors.
func (g *OllamaGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := g.embedCall(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	util.DebugLog("Batched embed of %d texts failed (%v), degrading to per-item calls", len(texts), err)

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, itemErr := g.Embed(ctx, text)
		if itemErr != nil {
			return nil, fmt.Errorf("embed item %d/%d: %w", i+1, len(texts), itemErr)
		}
		out[i] = vec
	}
	return out, nil
}

func (g *OllamaGateway) embedCall(ctx context.Context, texts []string) ([][]float32, error) {
	return util.RetryWithBackoff(ctx, g.retry, func() ([][]float32, error) {
		body, err := g.post(ctx, "/api/embed", embedRequest{
			Model: g.embedModel,
			Input: texts,
		})
		if err != nil {
			return nil, err
		}

		var resp embedResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("%w: undecodable embed response: %v", util.ErrModelPermanent, err)
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d",
				util.ErrModelPermanent, len(texts), len(resp.Embeddings))
		}
		dim := len(resp.Embeddings[0])
		if dim == 0 {
			return nil, fmt.Errorf("%w: zero-length embedding", util.ErrModelPermanent)
		}
		for i, vec := range resp.Embeddings {
			if len(vec) != dim {
				return nil, fmt.Errorf("%w: embedding %d has dimension %d, expected %d",
					util.ErrModelPermanent, i, len(vec), dim)
			}
		}
		return resp.Embeddings, nil
	}, "embed")
}

func (g *OllamaGateway) generate(ctx context.Context, encodedImage, prompt string) (string, error) {
	req := generateRequest{
		Model:  g.captionModel,
		Prompt: prompt,
		Stream: false,
	}
	if encodedImage != "" {
		req.Images = []string{encodedImage}
	}

	body, err := g.post(ctx, "/api/generate", req)
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: undecodable generate response: %v", util.ErrModelPermanent, err)
	}
	return resp.Response, nil
}

// post performs one JSON round-trip and classifies failures into the
// error taxonomy. Raw response shapes never escape this boundary.
func (g *OllamaGateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %v", util.ErrModelTimeout, path, g.timeout)
		}
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d from %s", util.ErrModelRateLimited, resp.StatusCode, path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d from %s: %s",
			util.ErrModelPermanent, resp.StatusCode, path, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
