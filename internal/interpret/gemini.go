package interpret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const GeminiModel = "gemini-1.5-flash"

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "http_proxy", "https_proxy", "all_proxy"}

// clearProxyEnv drops proxy settings the genai transport would otherwise
// pick up from the environment.
func clearProxyEnv() {
	for _, k := range proxyVars {
		os.Unsetenv(k)
	}
}

type GeminiClient struct {
	apiKey string
	model  string
}

func NewGeminiClient(model, apiKey string) *GeminiClient {
	if model == "" {
		model = GeminiModel
	}
	return &GeminiClient{apiKey: strings.TrimSpace(apiKey), model: strings.TrimSpace(model)}
}

func (c *GeminiClient) Name() string      { return "gemini" }
func (c *GeminiClient) ModelName() string { return c.model }

func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoCredential
	}
	clearProxyEnv()

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", fmt.Errorf("gemini client: %w", err)
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}

	resp, err := m.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return firstText(resp), nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
