// Package interpret wraps the text generator that explains classifier
// scores. Only scores and user text ever reach the generator.
package interpret

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/logger"
)

// ErrNoCredential is returned by generators that have no API key.
var ErrNoCredential = errors.New("llm api key is not configured")

// GenerationRequest is one system + user exchange.
type GenerationRequest struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Generator produces a completion for a request.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

const (
	DefaultTimeout     = 60 * time.Second
	DefaultTemperature = 0.3

	findingsMaxTokens = 1000
	chatMaxTokens     = 800
)

type Guard struct {
	gen         Generator
	timeout     time.Duration
	temperature float32
	logger      *slog.Logger
}

// NewGuard accepts a nil generator; every call then fails as unavailable.
func NewGuard(gen Generator, timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{gen: gen, timeout: timeout, temperature: DefaultTemperature, logger: logger}
}

// Available reports whether a generator is configured.
func (g *Guard) Available() bool {
	return g != nil && g.gen != nil
}

// InterpretWithFindings explains scores for an analyzed image. An empty
// question falls back to DefaultQuestion.
func (g *Guard) InterpretWithFindings(ctx context.Context, scores conditions.Scores, question string) (string, error) {
	return g.generate(ctx, "findings", GenerationRequest{
		System:    findingsSystemPrompt,
		User:      FindingsPrompt(scores, question),
		MaxTokens: findingsMaxTokens,
	})
}

// InterpretWithoutFindings answers a general question with no imaging context.
func (g *Guard) InterpretWithoutFindings(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", apperr.New(apperr.MissingInput, "Please provide a message or upload an image")
	}
	return g.generate(ctx, "chat", GenerationRequest{
		System:    chatSystemPrompt,
		User:      message,
		MaxTokens: chatMaxTokens,
	})
}

func (g *Guard) generate(ctx context.Context, kind string, req GenerationRequest) (string, error) {
	if !g.Available() {
		return "", apperr.New(apperr.InterpretationServiceUnavailable, "LLM service not configured")
	}
	log := logger.FromContext(ctx, g.logger).With("kind", kind, "provider", g.gen.Name())

	req.Temperature = g.temperature
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	text, err := g.gen.Generate(ctx, req)
	elapsed := time.Since(start)
	if errors.Is(err, ErrNoCredential) {
		log.Error("llm credential missing")
		return "", apperr.Wrap(apperr.InterpretationServiceUnavailable, "LLM service not configured", err)
	}
	if err != nil {
		log.Error("llm generation failed", "error", err, "elapsed", elapsed)
		return "", apperr.Wrap(apperr.InterpretationFailed, "Failed to generate interpretation", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Error("llm returned an empty completion", "elapsed", elapsed)
		return "", apperr.New(apperr.InterpretationFailed, "Failed to generate interpretation")
	}

	log.Info("llm generation complete", "elapsed", elapsed, "prompt_chars", len(req.User), "response_chars", len(text))
	return text, nil
}
