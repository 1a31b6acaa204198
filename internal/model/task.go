package model

import "time"

// TaskRecord is the journaled representation of one task execution.
type TaskRecord struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Status     WorkStatus `json:"status" db:"status"`
	UserTx     bool       `json:"user_tx" db:"user_tx"`
	Error      string     `json:"error,omitempty" db:"error"`
	DurationMS *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Entity is a single document held by the entity store, addressed by kind and id.
type Entity struct {
	Kind      string    `json:"kind" db:"kind"`
	ID        string    `json:"id" db:"id"`
	Body      []byte    `json:"body" db:"body"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
