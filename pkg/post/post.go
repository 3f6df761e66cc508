package post

import (
	"fmt"
	"time"

	"onlyone/pkg/scoring"
)

const (
	MinContentLen = 3
	MaxContentLen = 2000
)

type PostId string

type InputType string

const (
	InputAction     InputType = "action"
	InputDaySummary InputType = "day_summary"
)

func (t InputType) Valid() bool {
	return t == InputAction || t == InputDaySummary
}

type ModerationStatus string

const (
	StatusApproved ModerationStatus = "approved"
	StatusRejected ModerationStatus = "rejected"
)

type Post struct {
	Id        PostId    `json:"id"`
	Content   string    `json:"content"`
	InputType InputType `json:"input_type"`
	Scope     Scope     `json:"scope"`
	Location  Location  `json:"location"`

	// Generated once at creation; never sent to clients.
	Embedding []float32 `json:"-"`

	MatchCount       int              `json:"match_count"`
	Percentile       float64          `json:"percentile"`
	Tier             scoring.Tier     `json:"tier"`
	ModerationStatus ModerationStatus `json:"-"`
	Created          time.Time        `json:"created"`
}

// Ref is the comparable set the post was scored against.
func (p *Post) Ref() Ref {
	return NewRef(p.Scope, p.Location)
}

// Candidate is the slice of a stored post the similarity matcher needs.
type Candidate struct {
	Id        PostId
	Embedding []float32
}

type CandidateQuery struct {
	Ref Ref
	// Zero means no lower bound on the creation time.
	Since time.Time
	// Most recent posts first; zero means the repository default.
	Limit int
}

func (q CandidateQuery) String() string {
	return fmt.Sprintf("%s since=%s limit=%d", q.Ref, q.Since.Format(time.RFC3339), q.Limit)
}
