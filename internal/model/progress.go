package model

import "time"

// ProgressEvent is an immutable record of a job's state at one point in time.
// Sequence is assigned by the broadcaster and is gap-free per job.
type ProgressEvent struct {
	JobID       string         `json:"searchId"`
	Sequence    uint64         `json:"sequence"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep Step           `json:"currentStep"`
	Results     []SearchResult `json:"results,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IsTerminal reports whether the event closes the job's stream
func (e ProgressEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// EventFromJob builds an event from a job snapshot. Results are only
// attached when withResults is set.
func EventFromJob(j *Job, withResults bool) ProgressEvent {
	ev := ProgressEvent{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Timestamp:   time.Now().UTC(),
	}
	if withResults && len(j.Results) > 0 {
		ev.Results = CloneResults(j.Results)
	}
	if j.Error != nil {
		e := *j.Error
		ev.Error = &e
	}
	return ev
}
