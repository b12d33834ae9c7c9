package queue

import (
	"strings"
	"time"
)

// DraftStep is a position in the multi-step work form.
type DraftStep int

const (
	StepGarden DraftStep = iota
	StepAction
	StepMedia
	StepDetails
	StepReview
)

var stepNames = [...]string{"garden", "action", "media", "details", "review"}

func (s DraftStep) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// WorkDraft is resumable form state. It never becomes a Job on its own.
type WorkDraft struct {
	ID                  string
	Scope               Scope
	GardenAddress       *string
	ActionUID           *string
	Feedback            string
	PlantSelection      []string
	PlantCount          int
	CurrentStep         DraftStep
	FirstIncompleteStep DraftStep
	MediaCount          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ComputeFirstIncompleteStep returns the step a resumed form should open on.
// Media is optional and never blocks.
func (d WorkDraft) ComputeFirstIncompleteStep() DraftStep {
	switch {
	case d.GardenAddress == nil || strings.TrimSpace(*d.GardenAddress) == "":
		return StepGarden
	case d.ActionUID == nil || strings.TrimSpace(*d.ActionUID) == "":
		return StepAction
	case len(d.PlantSelection) == 0 || d.PlantCount <= 0:
		return StepDetails
	default:
		return StepReview
	}
}

// Complete reports whether the draft can be promoted to a job.
func (d WorkDraft) Complete() bool {
	return d.ComputeFirstIncompleteStep() == StepReview
}

// WorkPayload builds the job payload from a complete draft.
func (d WorkDraft) WorkPayload() (WorkPayload, error) {
	if !d.Complete() {
		return WorkPayload{}, ErrDraftIncomplete
	}
	return WorkPayload{
		Feedback:       d.Feedback,
		PlantSelection: append([]string(nil), d.PlantSelection...),
		PlantCount:     d.PlantCount,
		ActionUID:      *d.ActionUID,
		GardenAddress:  *d.GardenAddress,
	}, nil
}
