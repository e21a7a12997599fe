package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes reasoning-model think tags from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// ParseAssessment extracts the assessment from a model response.
// Handles: a bare JSON object, markdown code fences, and an object embedded
// in prose.
func ParseAssessment(text string) (Assessment, error) {
	cleaned := StripThinkTags(text)

	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return Assessment{}, fmt.Errorf("empty AI response")
	}

	var a Assessment
	err := json.Unmarshal([]byte(cleaned), &a)
	if err != nil {
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start < 0 || end <= start {
			return Assessment{}, fmt.Errorf("failed to parse AI response as JSON: %.200s", cleaned)
		}
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &a); err != nil {
			return Assessment{}, fmt.Errorf("failed to parse AI response as JSON: %.200s", cleaned)
		}
	}

	if a.Score < -1 || a.Score > 1 {
		return Assessment{}, fmt.Errorf("score %v outside [-1, 1]", a.Score)
	}
	return a, nil
}
