package model

import (
	"strings"
	"time"
)

type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Task is a queue entry wrapping one submission. Its ID is the submission ID.
type Task struct {
	ID         string        `json:"id"`
	Submission Submission    `json:"submission"`
	Priority   Priority      `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	Timeout    time.Duration `json:"timeout"`
}

func NewTask(sub Submission, timeout time.Duration, now time.Time) Task {
	return Task{ID: sub.ID, Submission: sub, Priority: sub.Priority, EnqueuedAt: now, Timeout: timeout}
}

// Lease is a time-bounded claim by one worker on one task.
type Lease struct {
	Task       Task      `json:"task"`
	WorkerID   string    `json:"workerId"`
	Deliveries int       `json:"deliveries"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type QueueStats struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"inFlight"`
	Dead     int64 `json:"dead"`
}

// ReapResult reports one pass over expired leases.
type ReapResult struct {
	Requeued int    `json:"requeued"`
	Promoted int    `json:"promoted"`
	Dead     []Task `json:"dead"`
}
