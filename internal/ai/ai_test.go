package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/scanner"
	"github.com/camuig/cryptopump/internal/trading"
)

func TestParseAssessment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		score float64
	}{
		{"bare object", `{"score": 0.4, "confidence": 70, "reasoning": "volume confirms"}`, 0.4},
		{"code fence", "```json\n{\"score\": -0.25, \"confidence\": 40}\n```", -0.25},
		{"think tags", "<think>pump looks exhausted</think>\n{\"score\": -0.8}", -0.8},
		{"embedded in prose", `Here is my view: {"score": 0.1, "confidence": 20} hope it helps`, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAssessment(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.score, a.Score)
		})
	}
}

func TestParseAssessmentRejects(t *testing.T) {
	for _, input := range []string{"", "no json here", `{"score": 3}`, "<think>only thinking</think>"} {
		_, err := ParseAssessment(input)
		assert.Error(t, err, input)
	}
}

func features() scanner.Features {
	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return scanner.Features{
		Symbol:     "DOGEUSDT",
		Kind:       trading.StrategyPump,
		Price:      149,
		Components: trading.Components{PriceChange: 4.2, VolumeRatio: 3.1, RSI: 78},
		Closes:     closes,
	}
}

func TestBuildUserPromptTrimsHistory(t *testing.T) {
	p := BuildUserPrompt(features())
	assert.Contains(t, p, "## DOGEUSDT (pump)")
	assert.Contains(t, p, "+4.20%")
	assert.Contains(t, p, "Last 30 closes")
	assert.NotContains(t, p, "119,")
	assert.Contains(t, p, "120, 121")
}

func TestScorerCallsChatAPI(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"score\": 0.55, \"confidence\": 80}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Scoring.APIKey = "test"
	cfg.Scoring.BaseURL = srv.URL + "/v1"
	s := NewScorer(cfg, logger.Nop())

	score, err := s.Score(context.Background(), features())
	require.NoError(t, err)
	assert.Equal(t, 0.55, score)
	assert.Equal(t, cfg.Scoring.Model, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "DOGEUSDT")
}

func TestScorerReportsUnparseableAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"I cannot help"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Scoring.BaseURL = srv.URL + "/v1"
	_, err := NewScorer(cfg, logger.Nop()).Score(context.Background(), features())
	assert.Error(t, err)
}
