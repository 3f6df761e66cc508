package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"onlyone/pkg/huggingface"
)

// HuggingFaceClassifier reads the score of one label from a
// text-classification inference endpoint, e.g. unitary/toxic-bert.
type HuggingFaceClassifier struct {
	client   *huggingface.Client
	endpoint string
	category Category
	label    string
}

func NewHuggingFaceClassifier(client *huggingface.Client, endpoint string, category Category, label string) *HuggingFaceClassifier {
	return &HuggingFaceClassifier{
		client:   client,
		endpoint: endpoint,
		category: category,
		label:    label,
	}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

func (c *HuggingFaceClassifier) Category() Category {
	return c.category
}

func (c *HuggingFaceClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	var raw json.RawMessage
	if err := c.client.PostJSON(ctx, c.endpoint, map[string]string{"inputs": text}, &raw); err != nil {
		return Classification{}, fmt.Errorf("moderation/huggingface: %s check failed: %w", c.category, err)
	}

	scores, err := decodeLabelScores(raw)
	if err != nil {
		return Classification{}, fmt.Errorf("moderation/huggingface: %w", err)
	}
	for _, ls := range scores {
		if strings.EqualFold(ls.Label, c.label) {
			return classification(c.category, ls.Score), nil
		}
	}
	return classification(c.category, 0), nil
}

// decodeLabelScores accepts both the batched [[...]] and the flat [...] shape.
func decodeLabelScores(raw json.RawMessage) ([]labelScore, error) {
	var batched [][]labelScore
	if err := json.Unmarshal(raw, &batched); err == nil {
		if len(batched) == 0 {
			return nil, nil
		}
		return batched[0], nil
	}
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %v", err)
	}
	return flat, nil
}
