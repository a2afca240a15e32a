package executor

import (
	"time"

	"github.com/terrachat-io/terrachat/internal/intent"
)

// Status is the lifecycle of one execution attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is the durable trace of one execution attempt. A record is written
// for every attempt, including cancelled and timed-out ones.
type Record struct {
	PlanID       string            `json:"planId"`
	Action       intent.Action     `json:"action"`
	ResourceType string            `json:"resourceType"`
	Status       Status            `json:"status"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt,omitempty"`
	// Outputs holds the provisioned resource attributes reported by the
	// provisioning tool on success.
	Outputs   map[string]string `json:"outputs,omitempty"`
	LastError string            `json:"lastError,omitempty"`
	Cancelled bool              `json:"cancelled,omitempty"`
}

// Terminal reports whether the record reached a final status.
func (r *Record) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}
