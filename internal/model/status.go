package model

import "database/sql/driver"

// WorkStatus is the lifecycle state of a single task.
type WorkStatus string

// Task status values.
const (
	StatusPending  WorkStatus = "pending"
	StatusRunning  WorkStatus = "running"
	StatusFinished WorkStatus = "finished"
	StatusFailed   WorkStatus = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entry, so nothing leaves them.
var validTransitions = map[WorkStatus]map[WorkStatus]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true, // rejected before dispatch
	},
	StatusRunning: {
		StatusFinished: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to WorkStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a final status.
func (s WorkStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s WorkStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusFinished, StatusFailed:
		return true
	}
	return false
}

func (s WorkStatus) String() string { return string(s) }

// Value stores the status as its string form.
func (s WorkStatus) Value() (driver.Value, error) { return string(s), nil }
