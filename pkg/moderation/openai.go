package moderation

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClassifier reads one category from the OpenAI moderation endpoint.
type OpenAIClassifier struct {
	client   *openai.Client
	model    string
	category Category
}

func NewOpenAIClassifier(client *openai.Client, model string, category Category) *OpenAIClassifier {
	return &OpenAIClassifier{client: client, model: model, category: category}
}

func (c *OpenAIClassifier) Category() Category {
	return c.category
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: c.model,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("moderation/openai: %s check failed: %w", c.category, err)
	}
	if len(resp.Results) == 0 {
		return Classification{}, errors.New("moderation/openai: empty result set")
	}

	s := resp.Results[0].CategoryScores
	var score float32
	switch c.category {
	case CategoryToxicity:
		score = maxScore(float32(s.Harassment), float32(s.HarassmentThreatening))
	case CategoryHate:
		score = maxScore(float32(s.Hate), float32(s.HateThreatening))
	case CategoryAdult:
		score = maxScore(float32(s.Sexual), float32(s.SexualMinors))
	default:
		return Classification{}, fmt.Errorf("moderation/openai: unsupported category %q", c.category)
	}
	return classification(c.category, score), nil
}

func maxScore(scores ...float32) float32 {
	var m float32
	for _, s := range scores {
		if s > m {
			m = s
		}
	}
	return m
}
