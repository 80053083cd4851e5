package domain

import (
	"time"
)

// Status is the coarse progress bucket shown on the dashboard.
type Status string

const (
	StatusInProgress Status = "In Progress"
	StatusPassed     Status = "Passed"
	StatusCertified  Status = "Certified"
)

// PassingScore is the minimum score for a passed assessment.
const PassingScore = 80

// MaxScore is the top of the score range and the certification threshold.
const MaxScore = 100

// DeriveStatus maps a score to its status bucket.
func DeriveStatus(score int) Status {
	switch {
	case score >= MaxScore:
		return StatusCertified
	case score >= PassingScore:
		return StatusPassed
	default:
		return StatusInProgress
	}
}

// ValidScore reports whether score is inside the 0..100 range.
func ValidScore(score int) bool {
	return score >= 0 && score <= MaxScore
}

// Record is the dashboard-visible projection of a session.
type Record struct {
	Handle       Handle    `json:"id" db:"id"`
	Participant  string    `json:"agent_name" db:"agent_name"`
	Score        int       `json:"score" db:"score"`
	Status       Status    `json:"status" db:"status"`
	Language     Language  `json:"language" db:"language"`
	LastFeedback *string   `json:"last_feedback,omitempty" db:"last_feedback"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Feedback returns the last feedback or an empty string.
func (r Record) Feedback() string {
	if r.LastFeedback == nil {
		return ""
	}
	return *r.LastFeedback
}

// Registration is a participant registration requested through the model's tool call.
type Registration struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}
