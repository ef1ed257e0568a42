package model

import "time"

// Stage is an orchestrator state; it doubles as the progress stage label.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageCacheCheck Stage = "cache_check"
	StageHitDone    Stage = "hit_done"
	StageSegmenting Stage = "segmenting"
	StageGrading    Stage = "grading"
	StageLocating   Stage = "locating"
	StageAssembling Stage = "assembling"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// ProgressEvent is pushed on every state transition; Terminal events close the stream.
type ProgressEvent struct {
	SubmissionID    string           `json:"submissionId"`
	Stage           Stage            `json:"stage"`
	PercentComplete int              `json:"percentComplete"`
	Message         string           `json:"message"`
	Terminal        bool             `json:"terminal,omitempty"`
	Status          SubmissionStatus `json:"status,omitempty"`
	Result          *GradingResult   `json:"result,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	At              time.Time        `json:"at"`
}
