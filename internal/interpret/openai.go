package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	GroqBaseURL   = "https://api.groq.com/openai/v1"
	GroqModel     = "llama-3.3-70b-versatile"
	OpenAIBaseURL = "https://api.openai.com/v1"
	OpenAIModel   = "gpt-4o-mini"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API.
// Its transport never consults HTTP_PROXY, HTTPS_PROXY or ALL_PROXY.
type OpenAIClient struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIClient(name, model, apiKey, baseURL string) *OpenAIClient {
	if name == "" {
		name = "groq"
	}
	if model == "" {
		model = GroqModel
	}
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	return &OpenAIClient{
		name:       name,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
	}
}

func (c *OpenAIClient) Name() string      { return c.name }
func (c *OpenAIClient) ModelName() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoCredential
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%s API error [%s]: %s", c.name, out.Error.Type, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s API status %d", c.name, resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s API returned no choices", c.name)
	}
	return out.Choices[0].Message.Content, nil
}
