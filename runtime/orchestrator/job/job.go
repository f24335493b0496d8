// Package job defines the durable writing-desk job document and the store
// contract the executor persists results through. A job tracks one issue
// through its phases: intake, research, letter composition. Each user has at
// most one active job.
package job

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the user has no active job.
var ErrNotFound = errors.New("job not found")

// Status enumerates per-phase job progress.
type Status string

const (
	// StatusIdle means the phase has not started.
	StatusIdle Status = "idle"
	// StatusRunning means a streaming run for the phase is in flight.
	StatusRunning Status = "running"
	// StatusCompleted means the phase finished and its content is persisted.
	StatusCompleted Status = "completed"
	// StatusError means the phase's last run failed.
	StatusError Status = "error"
)

type (
	// Snapshot is the full job document as read from the store.
	Snapshot struct {
		JobID            string   `bson:"job_id" json:"jobId"`
		Phase            string   `bson:"phase" json:"phase"`
		IssueDescription string   `bson:"issue_description" json:"issueDescription"`
		FollowUpQuestions []string `bson:"follow_up_questions" json:"followUpQuestions"`
		FollowUpAnswers  []string `bson:"follow_up_answers" json:"followUpAnswers"`
		Notes            string   `bson:"notes,omitempty" json:"notes,omitempty"`

		ResearchStatus     Status `bson:"research_status" json:"researchStatus"`
		ResearchContent    string `bson:"research_content,omitempty" json:"researchContent,omitempty"`
		ResearchResponseID string `bson:"research_response_id,omitempty" json:"researchResponseId,omitempty"`

		LetterStatus     Status   `bson:"letter_status" json:"letterStatus"`
		LetterTone       string   `bson:"letter_tone,omitempty" json:"letterTone,omitempty"`
		LetterContent    string   `bson:"letter_content,omitempty" json:"letterContent,omitempty"`
		LetterReferences []string `bson:"letter_references,omitempty" json:"letterReferences,omitempty"`
		LetterResponseID string   `bson:"letter_response_id,omitempty" json:"letterResponseId,omitempty"`
		LetterJSON       string   `bson:"letter_json,omitempty" json:"letterJson,omitempty"`
	}

	// Patch is a partial job update; nil fields are left untouched.
	Patch struct {
		Phase *string

		ResearchStatus     *Status
		ResearchContent    *string
		ResearchResponseID *string

		LetterStatus     *Status
		LetterTone       *string
		LetterContent    *string
		LetterReferences *[]string
		LetterResponseID *string
		LetterJSON       *string
	}

	// Store persists job documents keyed by user.
	Store interface {
		// Get returns the user's active job.
		Get(ctx context.Context, userID string) (Snapshot, error)

		// Upsert merges the patch into the user's active job document,
		// creating it if absent.
		Upsert(ctx context.Context, userID string, p Patch) error
	}
)

// Apply merges a patch into the snapshot in place.
func (s *Snapshot) Apply(p Patch) {
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.ResearchStatus != nil {
		s.ResearchStatus = *p.ResearchStatus
	}
	if p.ResearchContent != nil {
		s.ResearchContent = *p.ResearchContent
	}
	if p.ResearchResponseID != nil {
		s.ResearchResponseID = *p.ResearchResponseID
	}
	if p.LetterStatus != nil {
		s.LetterStatus = *p.LetterStatus
	}
	if p.LetterTone != nil {
		s.LetterTone = *p.LetterTone
	}
	if p.LetterContent != nil {
		s.LetterContent = *p.LetterContent
	}
	if p.LetterReferences != nil {
		s.LetterReferences = append([]string(nil), (*p.LetterReferences)...)
	}
	if p.LetterResponseID != nil {
		s.LetterResponseID = *p.LetterResponseID
	}
	if p.LetterJSON != nil {
		s.LetterJSON = *p.LetterJSON
	}
}

// StatusPtr is a convenience for building patches.
func StatusPtr(st Status) *Status { return &st }

// StrPtr is a convenience for building patches.
func StrPtr(s string) *string { return &s }
