package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// LLMClient drives an OpenAI-compatible chat completions endpoint and asks
// for JSON answers shaped like the collaborator result types.
type LLMClient struct {
	Model       string
	MaxTokens   int
	Temperature float64
	client      *resty.Client
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

func NewLLMClient(baseURL, model, apiKey string, timeout time.Duration) (*LLMClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("AI_LLM_URL is not set")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("AI_LLM_MODEL is not set")
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if strings.TrimSpace(apiKey) != "" {
		c.SetAuthToken(apiKey)
	}
	return &LLMClient{Model: model, MaxTokens: 1000, Temperature: 0.3, client: c}, nil
}

const (
	classifySystem = `You classify short shift notes written by healthcare workers. Reply with JSON only:
{"emotion": string, "intensity": 1-10, "escalate": bool, "themes": [string], "confidence": 0-1}.
Set escalate when the note suggests acute distress or self-harm.`
	crisisSystem = `You assess acute distress in a healthcare worker's note. Reply with JSON only:
{"severity": "low"|"medium"|"high"|"critical", "escalate": bool, "indicators": [string], "recommended_action": string, "confidence": 0-1}.`
	safetySystem = `You correlate worker fatigue metrics with patient safety risk. Reply with JSON only:
{"risk": "low"|"moderate"|"high"|"critical", "concerns": [{"type": string, "likelihood": "low"|"moderate"|"high", "description": string}], "recommendations": [string], "confidence": 0-1}.`
	interventionSystem = `You suggest one short stress-relief exercise a worker can do during a shift. Reply with JSON only:
{"title": string, "duration_minutes": int, "steps": [string], "rationale": string, "confidence": 0-1}.`
)

func (l *LLMClient) Classify(ctx context.Context, text string, cc ClassifyContext) (Classification, error) {
	var out Classification
	prompt := fmt.Sprintf("Strain level: %d/10. Risk zone: %s.\nNote: %s", cc.Strain, cc.Zone, text)
	err := l.ask(ctx, classifySystem, prompt, &out)
	return out, err
}

func (l *LLMClient) Assess(ctx context.Context, text string, cc CrisisContext) (CrisisAssessment, error) {
	var out CrisisAssessment
	prompt := fmt.Sprintf("Strain level: %d/10. Risk score: %d. Detected emotion: %s (intensity %d).\nNote: %s",
		cc.Strain, cc.Score, cc.Classification.Emotion, cc.Classification.Intensity, text)
	err := l.ask(ctx, crisisSystem, prompt, &out)
	return out, err
}

func (l *LLMClient) Correlate(ctx context.Context, m SafetyMetrics) (SafetyCorrelation, error) {
	var out SafetyCorrelation
	b, err := json.Marshal(m)
	if err != nil {
		return out, err
	}
	err = l.ask(ctx, safetySystem, "Metrics: "+string(b), &out)
	return out, err
}

func (l *LLMClient) Suggest(ctx context.Context, req InterventionRequest) (Intervention, error) {
	var out Intervention
	prompt := fmt.Sprintf("Strain level: %d/10. Shift: %s. Hours rested: %.1f.", req.Strain, req.Category, req.HoursRested)
	err := l.ask(ctx, interventionSystem, prompt, &out)
	return out, err
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (l *LLMClient) ask(ctx context.Context, system, prompt string, out any) error {
	payload := chatRequest{
		Model:       l.Model,
		Temperature: l.Temperature,
		MaxTokens:   l.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var (
		res     chatResponse
		errBody map[string]any
	)
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&res).
		SetError(&errBody).
		Post("/chat/completions")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("llm request timed out")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("llm request timed out")
		}
		return fmt.Errorf("llm request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return RateLimitError{RetryAfter: extractRetryAfter(errBody)}
	}
	if resp.IsError() {
		return fmt.Errorf("llm http error: %s: %v", resp.Status(), errBody)
	}
	if len(res.Choices) == 0 {
		return fmt.Errorf("empty llm response")
	}
	content := stripFences(res.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode llm answer: %w", err)
	}
	return CheckAnswer(out)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func extractRetryAfter(errBody map[string]any) time.Duration {
	errObj, ok := errBody["error"].(map[string]any)
	if !ok {
		return 0
	}
	details, ok := errObj["details"].([]any)
	if !ok {
		return 0
	}
	for _, d := range details {
		m, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["@type"].(string); ok && strings.Contains(t, "RetryInfo") {
			if s, ok := m["retryDelay"].(string); ok {
				if dur, err := time.ParseDuration(s); err == nil {
					return dur
				}
			}
		}
	}
	return 0
}
