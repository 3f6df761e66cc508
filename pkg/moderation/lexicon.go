package moderation

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
)

var (
	HateTerms = []string{
		"nigger", "nigga", "chink", "spic", "kike", "faggot", "fag",
		"tranny", "subhuman", "vermin", "inferior race", "go back to your country",
	}
	AdultTerms = []string{
		"porn", "porno", "nude", "nudes", "nsfw", "xxx", "onlyfans", "sex tape",
	}
	InsultTerms = []string{
		"fuck", "fucking", "fucker", "shit", "shitty", "bullshit",
		"ass", "asshole", "bastard", "bitch", "cunt", "retard", "retarded",
		"stupid", "idiot", "idiots", "moron", "morons", "loser", "losers",
		"dumb", "dumbass", "pathetic", "worthless", "shut up", "kill yourself", "kys",
	}
)

// LexiconClassifier scores text by counting whole-word hits of its terms.
type LexiconClassifier struct {
	category Category
	weight   float32
	re       *regexp.Regexp
}

func NewLexiconClassifier(category Category, weight float32, terms ...string) *LexiconClassifier {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(t)))
	}
	return &LexiconClassifier{
		category: category,
		weight:   weight,
		re:       regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
	}
}

func (c *LexiconClassifier) Category() Category {
	return c.category
}

func (c *LexiconClassifier) Hits(text string) int {
	return len(c.re.FindAllStringIndex(text, -1))
}

func (c *LexiconClassifier) Classify(_ context.Context, text string) (Classification, error) {
	return classification(c.category, float32(c.Hits(text))*c.weight), nil
}

var secondPerson = regexp.MustCompile(`(?i)\b(?:you|your|youre|yours|yourself|u|ur|yall)\b`)

const (
	insultWeight      = 0.35
	targetedBonus     = 0.15
	negativeSentiment = 0.5
)

// ToxicityClassifier combines an insult lexicon with VADER sentiment.
// Negative sentiment alone contributes at most 0.5.
type ToxicityClassifier struct {
	insults  *LexiconClassifier
	analyzer *govader.SentimentIntensityAnalyzer
}

func NewToxicityClassifier() *ToxicityClassifier {
	return &ToxicityClassifier{
		insults:  NewLexiconClassifier(CategoryToxicity, insultWeight, InsultTerms...),
		analyzer: govader.NewSentimentIntensityAnalyzer(),
	}
}

func (c *ToxicityClassifier) Category() Category {
	return CategoryToxicity
}

func (c *ToxicityClassifier) Classify(_ context.Context, text string) (Classification, error) {
	hits := c.insults.Hits(text)
	score := float32(hits) * insultWeight
	if hits > 0 && secondPerson.MatchString(text) {
		score += targetedBonus
	}

	sentiment := c.analyzer.PolarityScores(text)
	score += float32(math.Max(0, -sentiment.Compound)) * negativeSentiment

	return classification(CategoryToxicity, score), nil
}
