// Package ai implements the highlight classification collaborator over an
// OpenAI-compatible chat completions API.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/media"
	"github.com/clipforge/clipd/internal/resilience"
	"github.com/clipforge/clipd/internal/trace"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

const systemPrompt = "You classify live stream transcript excerpts as potential highlight clips. " +
	"Respond with a single JSON object: " +
	`{"type":"highlight|funny_moment|epic_play|fail|emotional|technical|tutorial|reaction|custom",` +
	`"confidence":0.0,"keywords":["..."]}` +
	" Confidence is your belief in [0,1] that the excerpt is worth clipping. No prose."

// Classifier calls a chat completions endpoint behind a circuit breaker.
type Classifier struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClassifier creates a classifier. Empty baseURL and model fall back to
// OpenAI defaults.
func NewClassifier(baseURL, apiKey, model string, timeout time.Duration) *Classifier {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    resilience.New(resilience.DefaultConfig()),
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type classification struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
}

// Classify sends the transcript excerpt for classification. Errors carry
// codes: auth failures, timeouts, and upstream errors are distinguished so
// callers can degrade appropriately.
func (c *Classifier) Classify(ctx context.Context, req media.ClassifyRequest) (media.ClassifyResult, error) {
	ctx, span := trace.StartSpan(ctx, "classify")
	defer func() {
		span.End()
		trace.Logger(ctx).Debug("classification finished", "span", span)
	}()
	span.SetAttr("model", c.model)

	return resilience.ExecuteWithResult(c.breaker, func() (media.ClassifyResult, error) {
		return c.classify(ctx, req)
	})
}

func (c *Classifier) classify(ctx context.Context, req media.ClassifyRequest) (media.ClassifyResult, error) {
	userPrompt := req.Transcript
	if req.TaskHint != "" {
		userPrompt = fmt.Sprintf("Task: %s\n\nTranscript:\n%s", req.TaskHint, req.Transcript)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return media.ClassifyResult{}, errors.Wrap(err, errors.CodeInternal, "failed to marshal classify request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return media.ClassifyResult{}, errors.Wrap(err, errors.CodeInternal, "failed to create classify request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return media.ClassifyResult{}, errors.Wrap(err, errors.CodeTimeout, "classification timed out")
		}
		return media.ClassifyResult{}, errors.Wrap(err, errors.CodeNetAPIError, "classification request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return media.ClassifyResult{}, errors.Wrap(err, errors.CodeNetAPIError, "failed to read classify response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return media.ClassifyResult{}, errors.Newf(errors.CodeAuthUnauthorized,
			"classification rejected with status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return media.ClassifyResult{}, errors.Newf(errors.CodeNetAPIError,
			"classification returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return media.ClassifyResult{}, errors.Wrap(err, errors.CodeNetAPIError, "malformed classify response")
	}
	if chat.Error != nil {
		return media.ClassifyResult{}, errors.Newf(errors.CodeNetAPIError,
			"classification API error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return media.ClassifyResult{}, errors.New(errors.CodeNetAPIError, "empty classify response")
	}

	content := chat.Choices[0].Message.Content
	var parsed classification
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return media.ClassifyResult{}, errors.Wrapf(err, errors.CodeNetAPIError,
			"classifier returned non-JSON content")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return media.ClassifyResult{}, errors.Newf(errors.CodeValidationFailed,
			"classifier confidence %f out of range", parsed.Confidence)
	}

	return media.ClassifyResult{
		Type:       media.DetectionType(parsed.Type),
		Confidence: parsed.Confidence,
		Keywords:   parsed.Keywords,
		Raw:        json.RawMessage(content),
	}, nil
}
