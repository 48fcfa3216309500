package types

import (
	"encoding/json"
	"time"
)

// RunUpdate is a partial update applied to an automation run row. Nil fields
// are left untouched; updated_at is always bumped by the store.
type RunUpdate struct {
	Status      *RunStatus
	Output      json.RawMessage
	Screenshots []string
	Error       *string
	Progress    *int
	CurrentStep *int
	TotalSteps  *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	JobID       *string
}

// RunFilters holds optional filters for listing automation runs.
type RunFilters struct {
	Type   RunType
	Status RunStatus
	Limit  int
}
