package bot

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

// AIErrorKind classifies upstream AI failures.
type AIErrorKind int

const (
	AIErrGeneric AIErrorKind = iota
	AIErrRate
	AIErrInvalidKey
	AIErrEmptyResponse
	AIErrUnknownFormat
)

// AIError is a classified upstream failure.
type AIError struct {
	Kind   AIErrorKind
	Detail string
}

func (e *AIError) Error() string {
	switch e.Kind {
	case AIErrRate:
		return "ai: rate limited: " + e.Detail
	case AIErrInvalidKey:
		return "ai: invalid key: " + e.Detail
	case AIErrEmptyResponse:
		return "ai: empty response"
	case AIErrUnknownFormat:
		return "ai: unknown response format: " + e.Detail
	}
	return "ai: " + e.Detail
}

// Code maps the kind onto the user-facing error code table.
func (e *AIError) Code() ErrorCode {
	switch e.Kind {
	case AIErrRate:
		return CodeAIRateLimit
	case AIErrInvalidKey:
		return CodeAIInvalidKey
	case AIErrEmptyResponse:
		return CodeAIEmptyResponse
	case AIErrUnknownFormat:
		return CodeAIUnknownFormat
	}
	return CodeAIError
}

// AIClient posts chat prompts to the configured upstream endpoint.
type AIClient struct {
	URL    string
	APIKey string
	Model  string

	HTTPClient *http.Client
}

// NewAIClient builds a client with a 60 second request timeout.
func NewAIClient(url, apiKey, model string) *AIClient {
	if model == "" {
		model = "default"
	}
	return &AIClient{
		URL:        url,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Chat sends one prompt and returns the reply body. The system prompt is
// optional.
func (c *AIClient) Chat(prompt, system string) (string, error) {
	if c.URL == "" {
		return "", &AIError{Kind: AIErrGeneric, Detail: "no api_url configured"}
	}

	payload := map[string]any{"question": prompt, "type": "json"}
	if system != "" {
		payload["system"] = system
	}
	body, err := jsonx.Stringify(payload)
	if err != nil {
		return "", errors.Wrap(err, "ai: encode request")
	}

	req, err := http.NewRequest(http.MethodPost, c.URL, strings.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "ai: build request")
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &AIError{Kind: AIErrGeneric, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &AIError{Kind: AIErrGeneric, Detail: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &AIError{Kind: AIErrRate, Detail: resp.Status}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AIError{Kind: AIErrInvalidKey, Detail: resp.Status}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &AIError{Kind: AIErrGeneric, Detail: resp.Status}
	}

	return extractReply(string(raw))
}

// extractReply pulls the reply body out of the known upstream shapes: the
// first non-empty of content (inside a success envelope), answer, response,
// or text.
func extractReply(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &AIError{Kind: AIErrEmptyResponse}
	}

	v, err := jsonx.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("ai: non-JSON response body")
		return "", &AIError{Kind: AIErrUnknownFormat, Detail: truncate(raw, 120)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", &AIError{Kind: AIErrUnknownFormat, Detail: truncate(raw, 120)}
	}

	for _, field := range []string{"content", "answer", "response", "text"} {
		if s := jsonx.Str(obj, field, ""); s != "" {
			return s, nil
		}
	}
	return "", &AIError{Kind: AIErrUnknownFormat, Detail: truncate(raw, 120)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
