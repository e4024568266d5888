package model

import "time"

// Decision is the state of a patch approval.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

// Approval is the user decision over the patch proposed by an analysis task.
type Approval struct {
	TaskID    string
	Decision  Decision
	DecidedAt *time.Time
}
