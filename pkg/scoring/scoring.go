// Package scoring turns a match count into a percentile, a tier and the text
// shown to the author. Everything here is pure.
package scoring

import (
	"fmt"
	"math"
)

type Tier string

const (
	TierElite   Tier = "elite"
	TierRare    Tier = "rare"
	TierUnique  Tier = "unique"
	TierNotable Tier = "notable"
	TierCommon  Tier = "common"
	TierPopular Tier = "popular"
)

const OnlyYou = "Only you!"

// Breakpoints are exclusive upper bounds on the percentile, best tier first.
// Changing them reclassifies every post scored afterwards, so they stay fixed.
var breakpoints = []struct {
	below float64
	tier  Tier
}{
	{0.5, TierElite},
	{5, TierRare},
	{15, TierUnique},
	{30, TierNotable},
	{50, TierCommon},
}

var tierRank = map[Tier]int{
	TierElite:   0,
	TierRare:    1,
	TierUnique:  2,
	TierNotable: 3,
	TierCommon:  4,
	TierPopular: 5,
}

// Rank orders tiers from best (0) to worst. Unknown tiers rank last.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank)
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

type Result struct {
	Percentile  float64 `json:"percentile"`
	Tier        Tier    `json:"tier"`
	DisplayText string  `json:"display_text"`
}

// Percentile is (matches + 1) / max(1, total) * 100 clamped to [0, 100].
// The +1 counts the scored post itself.
func Percentile(matchCount, totalInScope int) float64 {
	if matchCount < 0 {
		matchCount = 0
	}
	total := totalInScope
	if total < 1 {
		total = 1
	}
	p := float64(matchCount+1) / float64(total) * 100
	return math.Max(0, math.Min(100, p))
}

// TierFor maps a percentile onto its tier.
func TierFor(percentile float64) Tier {
	for _, bp := range breakpoints {
		if percentile < bp.below {
			return bp.tier
		}
	}
	return TierPopular
}

// Score computes the uniqueness result for a post. A post with no matches is
// the first of its kind: it is Elite and reads "Only you!" whatever the
// percentile says, since with a small scope the +1 alone would push it into
// a worse tier.
func Score(matchCount, totalInScope int) Result {
	p := Percentile(matchCount, totalInScope)
	if matchCount <= 0 {
		return Result{Percentile: p, Tier: TierElite, DisplayText: OnlyYou}
	}
	return Result{
		Percentile:  p,
		Tier:        TierFor(p),
		DisplayText: DisplayText(matchCount, p),
	}
}

// DisplayText renders a stored score for the author.
func DisplayText(matchCount int, percentile float64) string {
	if matchCount <= 0 {
		return OnlyYou
	}
	return fmt.Sprintf("Top %d%%", int(math.Round(percentile)))
}
