package interpret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/conditions"
	"github.com/Brownie44l1/cxr-api/internal/logger"
)

type fakeGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	block bool
	reqs  []GenerationRequest
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeGenerator) last(t *testing.T) GenerationRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

func sampleScores(t *testing.T) conditions.Scores {
	t.Helper()
	probs := make([]float64, conditions.Count)
	for i := range probs {
		probs[i] = float64(i) / 20
	}
	probs[7] = 0.87654
	s, err := conditions.FromProbabilities(probs)
	require.NoError(t, err)
	return s
}

func TestInterpretWithFindingsPrompt(t *testing.T) {
	gen := &fakeGenerator{reply: "  These are model estimates.  "}
	g := NewGuard(gen, time.Second, logger.Discard())

	text, err := g.InterpretWithFindings(context.Background(), sampleScores(t), "  Is this pneumonia?  ")
	require.NoError(t, err)
	assert.Equal(t, "These are model estimates.", text)

	req := gen.last(t)
	assert.Equal(t, findingsSystemPrompt, req.System)
	assert.Equal(t, float32(0.3), req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Contains(t, req.User, "- Pneumonia: 0.877\n")
	assert.Contains(t, req.User, "- No Finding: 0.000\n")
	assert.Contains(t, req.User, "User question: Is this pneumonia?\n")
}

func TestFindingsPromptCarriesOnlyScoresAndQuestion(t *testing.T) {
	prompt := FindingsPrompt(sampleScores(t), "")

	var scoreLines []string
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "- ") && strings.Contains(line, ": 0.") {
			scoreLines = append(scoreLines, line)
		}
	}
	require.Len(t, scoreLines, conditions.Count)
	for i, name := range conditions.Names {
		assert.True(t, strings.HasPrefix(scoreLines[i], "- "+name+": "), scoreLines[i])
	}
	assert.Contains(t, prompt, "User question: "+DefaultQuestion)
	assert.NotContains(t, prompt, "base64")
	assert.NotContains(t, prompt, "\x00")
}

func TestInterpretWithoutFindings(t *testing.T) {
	gen := &fakeGenerator{reply: "Pneumonia is an infection."}
	g := NewGuard(gen, time.Second, logger.Discard())

	text, err := g.InterpretWithoutFindings(context.Background(), "  What is pneumonia?\n")
	require.NoError(t, err)
	assert.Equal(t, "Pneumonia is an infection.", text)

	req := gen.last(t)
	assert.Equal(t, chatSystemPrompt, req.System)
	assert.Equal(t, "What is pneumonia?", req.User)
	assert.Equal(t, 800, req.MaxTokens)
	assert.Equal(t, float32(0.3), req.Temperature)

	_, err = g.InterpretWithoutFindings(context.Background(), "   ")
	assert.ErrorIs(t, err, apperr.ErrMissingInput)
}

func TestGuardFailures(t *testing.T) {
	tests := []struct {
		name string
		gen  Generator
		want error
	}{
		{"no generator", nil, apperr.ErrInterpretationServiceUnavailable},
		{"no credential", &fakeGenerator{err: fmt.Errorf("groq: %w", ErrNoCredential)}, apperr.ErrInterpretationServiceUnavailable},
		{"provider error", &fakeGenerator{err: errors.New("503 upstream")}, apperr.ErrInterpretationFailed},
		{"empty completion", &fakeGenerator{reply: " \n "}, apperr.ErrInterpretationFailed},
		{"timeout", &fakeGenerator{block: true}, apperr.ErrInterpretationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGuard(tc.gen, 20*time.Millisecond, logger.Discard())
			_, err := g.InterpretWithFindings(context.Background(), sampleScores(t), "")
			assert.ErrorIs(t, err, tc.want)
			_, err = g.InterpretWithoutFindings(context.Background(), "hello")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGuardHonorsCallerCancellation(t *testing.T) {
	g := NewGuard(&fakeGenerator{block: true}, time.Minute, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.InterpretWithoutFindings(ctx, "hello")
	assert.ErrorIs(t, err, apperr.ErrInterpretationFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNilGuardIsUnavailable(t *testing.T) {
	var g *Guard
	assert.False(t, g.Available())
	_, err := g.InterpretWithoutFindings(context.Background(), "hello")
	assert.ErrorIs(t, err, apperr.ErrInterpretationServiceUnavailable)
}
