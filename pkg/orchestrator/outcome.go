package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"onlyone/pkg/post"
	"onlyone/pkg/scoring"
)

type State string

const (
	StateValidating State = "validating"
	StateModerating State = "moderating"
	StateEmbedding  State = "embedding"
	StateMatching   State = "matching"
	StateScoring    State = "scoring"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateRejected   State = "rejected"
)

type Request struct {
	Content   string         `json:"content"`
	InputType post.InputType `json:"input_type"`
	Scope     post.Scope     `json:"scope"`
	Location  post.Location  `json:"location"`
}

type RejectionKind string

const (
	RejectedValidation RejectionKind = "validation"
	RejectedModeration RejectionKind = "moderation"
)

// ReasonModerationUnavailable is the category of rejections issued because
// no moderation check answered.
const ReasonModerationUnavailable = "moderation_unavailable"

type Rejection struct {
	Kind     RejectionKind `json:"error"`
	Field    string        `json:"field,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Category string        `json:"category,omitempty"`
	Message  string        `json:"message"`
}

// Temporal is today's breakdown of the same score.
type Temporal struct {
	MatchCount  int          `json:"match_count"`
	Percentile  float64      `json:"percentile,omitempty"`
	Tier        scoring.Tier `json:"tier"`
	DisplayText string       `json:"display_text"`
}

type Projection struct {
	Id          post.PostId    `json:"id"`
	Content     string         `json:"content"`
	InputType   post.InputType `json:"input_type"`
	Scope       post.Scope     `json:"scope"`
	Location    post.Location  `json:"location"`
	MatchCount  int            `json:"match_count"`
	Percentile  float64        `json:"percentile"`
	Tier        scoring.Tier   `json:"tier"`
	DisplayText string         `json:"display_text"`
	Temporal    *Temporal      `json:"temporal,omitempty"`
	Created     time.Time      `json:"created"`
}

// Outcome holds exactly one of Post and Rejection.
type Outcome struct {
	State     State       `json:"-"`
	Post      *Projection `json:"post,omitempty"`
	Rejection *Rejection  `json:"rejection,omitempty"`
}

type FailureKind string

const (
	// Transient failures may succeed when the caller retries later.
	Transient FailureKind = "transient"
	// Fatal failures will not succeed as is.
	Fatal FailureKind = "fatal"
)

// Failure is returned when a post could not be processed for reasons other
// than the content itself.
type Failure struct {
	Kind  FailureKind
	Stage State
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("orchestrator: %s failure while %s: %v", f.Kind, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func IsTransient(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == Transient
}
