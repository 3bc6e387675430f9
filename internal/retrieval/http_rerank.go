package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"knowledge-rag/internal/models"
)

// HTTPCrossEncoder calls a /rerank endpoint. The request carries both the
// "texts" field used by text-embeddings-inference and the "documents" field
// used by Jina and Cohere, and either response shape is accepted.
type HTTPCrossEncoder struct {
	baseURL string
	key     string
	model   string
	client  *http.Client
}

func NewHTTPCrossEncoder(baseURL, key, model string, timeout time.Duration) *HTTPCrossEncoder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCrossEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankHit struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

func (e *HTTPCrossEncoder) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	payload := rerankRequest{
		Model:     e.model,
		Query:     query,
		Texts:     passages,
		Documents: passages,
		TopN:      len(passages),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/rerank", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	if e.key != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(e.key, "Bearer "))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: rerank request failed: %d, %s", models.ErrModelUnavailable, resp.StatusCode, string(body))
	}

	hits, err := decodeRerankHits(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	scores := make([]float64, len(passages))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(passages) {
			return nil, fmt.Errorf("%w: rerank index %d out of range", models.ErrModelUnavailable, h.Index)
		}
		switch {
		case h.RelevanceScore != nil:
			scores[h.Index] = *h.RelevanceScore
		case h.Score != nil:
			scores[h.Index] = *h.Score
		}
		if scores[h.Index] < 0 || scores[h.Index] > 1 {
			scores[h.Index] = sigmoid(scores[h.Index])
		}
	}
	return scores, nil
}

// decodeRerankHits accepts a bare array or an object with "results".
func decodeRerankHits(body []byte) ([]rerankHit, error) {
	var hits []rerankHit
	if err := json.Unmarshal(body, &hits); err == nil {
		return hits, nil
	}
	var wrapped struct {
		Results []rerankHit `json:"results"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return wrapped.Results, nil
}

// sigmoid maps raw logits from endpoints that do not normalise.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
