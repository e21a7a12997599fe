package ai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/scanner"
)

// Scorer asks an OpenAI-compatible chat model for an external score.
type Scorer struct {
	client *openai.Client
	model  string
	logger *logger.Logger
}

func NewScorer(cfg *config.Config, log *logger.Logger) *Scorer {
	ocfg := openai.DefaultConfig(cfg.Scoring.APIKey)
	if cfg.Scoring.BaseURL != "" {
		ocfg.BaseURL = cfg.Scoring.BaseURL
	}

	return &Scorer{
		client: openai.NewClientWithConfig(ocfg),
		model:  cfg.Scoring.Model,
		logger: log,
	}
}

// Score returns the model's score for f. The caller bounds the call with ctx.
func (s *Scorer) Score(ctx context.Context, f scanner.Features) (float64, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(f)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return 0, fmt.Errorf("scoring API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("scoring API returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	s.logger.Debug("AI raw response", "symbol", f.Symbol, "content", raw)

	a, err := ParseAssessment(raw)
	if err != nil {
		return 0, fmt.Errorf("parse AI response: %w", err)
	}

	s.logger.Info("AI assessment", "symbol", f.Symbol, "score", a.Score,
		"confidence", a.Confidence, "reasoning", a.Reasoning)
	return a.Score, nil
}
