package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// HTTPClient talks to a remote analysis service exposing one POST endpoint
// per collaborator.
type HTTPClient struct {
	client *resty.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &HTTPClient{client: c}
}

type classifyRequest struct {
	Text    string          `json:"text"`
	Context ClassifyContext `json:"context"`
}

type crisisRequest struct {
	Text    string        `json:"text"`
	Context CrisisContext `json:"context"`
}

func (h *HTTPClient) Classify(ctx context.Context, text string, cc ClassifyContext) (Classification, error) {
	var out Classification
	err := h.post(ctx, "/classify", classifyRequest{Text: text, Context: cc}, &out)
	out.Fallback = false
	return out, err
}

func (h *HTTPClient) Assess(ctx context.Context, text string, cc CrisisContext) (CrisisAssessment, error) {
	var out CrisisAssessment
	err := h.post(ctx, "/crisis", crisisRequest{Text: text, Context: cc}, &out)
	out.Fallback = false
	return out, err
}

func (h *HTTPClient) Correlate(ctx context.Context, m SafetyMetrics) (SafetyCorrelation, error) {
	var out SafetyCorrelation
	err := h.post(ctx, "/safety", m, &out)
	out.Fallback = false
	return out, err
}

func (h *HTTPClient) Suggest(ctx context.Context, req InterventionRequest) (Intervention, error) {
	var out Intervention
	err := h.post(ctx, "/intervention", req, &out)
	out.Fallback = false
	return out, err
}

func (h *HTTPClient) post(ctx context.Context, path string, body, result any) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("ai %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ai %s: service error: %s", path, resp.Status())
	}
	// Decoded here rather than by resty so a reply with the wrong content
	// type cannot leave result at its zero value.
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("ai %s: decode answer: %w", path, err)
	}
	if err := CheckAnswer(result); err != nil {
		return fmt.Errorf("ai %s: %w", path, err)
	}
	return nil
}
