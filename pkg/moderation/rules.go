package moderation

import (
	"context"
	"regexp"
)

type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  float32
}

// RulesClassifier scores text by the weighted sum of the patterns it matches.
type RulesClassifier struct {
	category Category
	rules    []Rule
}

func NewRulesClassifier(category Category, rules ...Rule) *RulesClassifier {
	return &RulesClassifier{category: category, rules: rules}
}

// NewSpamClassifier flags links, contact details, character floods and
// common scam phrasing.
func NewSpamClassifier() *RulesClassifier {
	return NewRulesClassifier(CategorySpam,
		Rule{"url", regexp.MustCompile(`(?i)(https?://\S+|www\.\S+\.\S+)`), 0.6},
		Rule{"email", regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`), 0.6},
		Rule{"phone", regexp.MustCompile(`\d{3}[-.\s]?\d{3}[-.\s]?\d{4}|\(\d{3}\)\s*\d{3}[-.\s]?\d{4}`), 0.6},
		Rule{"flood", regexp.MustCompile(`(?i)(a{4,}|b{4,}|c{4,}|d{4,}|e{4,}|f{4,}|g{4,}|h{4,}|i{4,}|j{4,}|k{4,}|l{4,}|m{4,}|n{4,}|o{4,}|p{4,}|q{4,}|r{4,}|s{4,}|t{4,}|u{4,}|v{4,}|w{4,}|x{4,}|y{4,}|z{4,}|!{4,}|\?{4,}|\.{4,})`), 0.3},
		Rule{"scam", regexp.MustCompile(`(?i)\b(spam|scam|scammer|phishing|malware|free money|click here|dm me|act now|limited offer|crypto giveaway|wire transfer|guaranteed income)\b`), 0.6},
	)
}

func (c *RulesClassifier) Category() Category {
	return c.category
}

func (c *RulesClassifier) Classify(_ context.Context, text string) (Classification, error) {
	var score float32
	for _, r := range c.rules {
		if r.Pattern.MatchString(text) {
			score += r.Weight
		}
	}
	return classification(c.category, score), nil
}

func classification(c Category, score float32) Classification {
	if score > 1 {
		score = 1
	}
	label := "clean"
	if score >= 0.5 {
		label = string(c)
	}
	return Classification{Label: label, Score: score}
}
