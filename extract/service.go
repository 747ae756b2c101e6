package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/mmdatafocus/procuresight_backend/utils"
)

// Service is the opaque extraction backend: given document text and a JSON
// schema it returns a JSON document claiming to satisfy the schema.
type Service interface {
	Extract(ctx context.Context, text string, schema json.RawMessage) ([]byte, error)
}

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
)

const systemPrompt = "You are an API service that extracts structured invoice data from raw text. " +
	"Always respond with a single JSON object only, with no extra commentary or formatting. " +
	"If a field is missing in the text, set it to null where the schema allows it."

// HTTPService talks to an OpenAI-compatible chat completions endpoint using
// a strict json_schema response format.
type HTTPService struct {
	URL          string
	APIKey       string
	Model        string
	Client       *http.Client
	MaxRetries   int
	InitialDelay time.Duration
}

func NewHTTPService(url, apiKey, model string) *HTTPService {
	return &HTTPService{
		URL:          url,
		APIKey:       apiKey,
		Model:        model,
		Client:       &http.Client{},
		MaxRetries:   defaultMaxRetries,
		InitialDelay: defaultInitialDelay,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (s *HTTPService) Extract(ctx context.Context, text string, schema json.RawMessage) ([]byte, error) {
	if s.APIKey == "" {
		return nil, &utils.ExtractionError{Source: "service", Reason: "EXTRACTION_API_KEY not set"}
	}

	body, err := json.Marshal(chatRequest{
		Model: s.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Extract the invoice fields described in the schema from the following text and return only the JSON object.\n\n" + text},
		},
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchema{Name: "invoice", Strict: true, Schema: schema},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	// Retry with exponential backoff: delay, 2*delay, 4*delay
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * s.InitialDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ctx.Err() != nil {
				// the caller's deadline has passed; no point retrying
				return nil, &utils.ExtractionError{Source: "service", Reason: "request timed out", Retryable: true, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var apiErr apiError
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
				lastErr = fmt.Errorf("extraction API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
			} else {
				lastErr = fmt.Errorf("extraction API error (%d): %s", resp.StatusCode, string(respBody))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, &utils.ExtractionError{Source: "service", Reason: "request rejected", Err: lastErr}
		}

		var chat chatResponse
		if err := json.Unmarshal(respBody, &chat); err != nil {
			return nil, &utils.ExtractionError{Source: "service", Reason: "malformed completion envelope", Err: err}
		}
		if len(chat.Choices) == 0 {
			return nil, &utils.ExtractionError{Source: "service", Reason: "completion has no choices"}
		}
		return []byte(chat.Choices[0].Message.Content), nil
	}

	return nil, &utils.ExtractionError{
		Source:    "service",
		Reason:    fmt.Sprintf("max retries (%d) exceeded", maxRetries),
		Retryable: true,
		Err:       lastErr,
	}
}
