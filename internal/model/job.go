package model

import (
	"time"
)

// JobStatus is the lifecycle state of a search job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can occur
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step labels the pipeline stage a job is in
type Step string

const (
	StepQueued            Step = "queued"
	StepAnalyzing         Step = "analyzing"
	StepGeneratingQueries Step = "generating_queries"
	StepExecutingQueries  Step = "executing_queries"
	StepExtracting        Step = "extracting"
	StepFinalizing        Step = "finalizing"
	StepDone              Step = "done"
)

// Cancel reasons
const (
	CancelReasonRequested = "requested"
	CancelReasonDeadline  = "deadline_exceeded"
	CancelReasonShutdown  = "shutdown"
)

// JobError is the user-safe failure description stored on a job
type JobError struct {
	Category  string `json:"category" bson:"category"`
	Message   string `json:"message" bson:"message"`
	Retryable bool   `json:"retryable" bson:"retryable"`
	Step      Step   `json:"step,omitempty" bson:"step,omitempty"`
}

// JobMetrics holds execution counters of a job
type JobMetrics struct {
	TotalQueries      int          `json:"totalQueries" bson:"total_queries"`
	CompletedQueries  int          `json:"completedQueries" bson:"completed_queries"`
	FailedQueries     int          `json:"failedQueries" bson:"failed_queries"`
	AverageConfidence float64      `json:"averageConfidence" bson:"average_confidence"`
	ElapsedMs         int64        `json:"elapsedMs" bson:"elapsed_ms"`
	RetryAttempts     int          `json:"retryAttempts" bson:"retry_attempts"`
	StageRetries      map[Step]int `json:"stageRetries,omitempty" bson:"stage_retries,omitempty"`
}

// Job is the record of one submitted search job
type Job struct {
	ID                       string         `json:"searchId" bson:"_id"`
	OwnerID                  string         `json:"ownerId" bson:"owner_id"`
	CorrelationID            string         `json:"correlationId" bson:"correlation_id"`
	Config                   SearchConfig   `json:"config" bson:"config"`
	Status                   JobStatus      `json:"status" bson:"status"`
	Progress                 int            `json:"progress" bson:"progress"`
	CurrentStep              Step           `json:"currentStep" bson:"current_step"`
	EstimatedTimeRemainingMs *int64         `json:"estimatedTimeRemainingMs" bson:"estimated_time_remaining_ms,omitempty"`
	Results                  []SearchResult `json:"results" bson:"results"`
	Metrics                  JobMetrics     `json:"metrics" bson:"metrics"`
	Error                    *JobError      `json:"error,omitempty" bson:"error,omitempty"`
	CancelReason             string         `json:"cancelReason,omitempty" bson:"cancel_reason,omitempty"`
	CreatedAt                time.Time      `json:"createdAt" bson:"created_at"`
	StartedAt                *time.Time     `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt              *time.Time     `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	CancelledAt              *time.Time     `json:"cancelledAt,omitempty" bson:"cancelled_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Config = j.Config.Clone()
	out.Results = CloneResults(j.Results)
	if out.Results == nil {
		out.Results = []SearchResult{}
	}
	if j.Metrics.StageRetries != nil {
		out.Metrics.StageRetries = make(map[Step]int, len(j.Metrics.StageRetries))
		for k, v := range j.Metrics.StageRetries {
			out.Metrics.StageRetries[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.EstimatedTimeRemainingMs = cloneInt64(j.EstimatedTimeRemainingMs)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.CancelledAt = cloneTime(j.CancelledAt)
	return &out
}

// FinishedAt returns the time the job reached a terminal status, if any
func (j *Job) FinishedAt() (time.Time, bool) {
	if j.CompletedAt != nil {
		return *j.CompletedAt, true
	}
	if j.CancelledAt != nil {
		return *j.CancelledAt, true
	}
	return time.Time{}, false
}

// JobSummary is the list representation of a job
type JobSummary struct {
	ID          string    `json:"searchId"`
	Query       string    `json:"query"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep Step      `json:"currentStep"`
	ResultCount int       `json:"resultCount"`
	CreatedAt   string    `json:"createdAt"`
}

// ToSummary converts a Job to a JobSummary
func (j *Job) ToSummary() JobSummary {
	var createdAt string
	if !j.CreatedAt.IsZero() {
		createdAt = j.CreatedAt.Format(time.RFC3339)
	}
	return JobSummary{
		ID:          j.ID,
		Query:       j.Config.Query,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		ResultCount: len(j.Results),
		CreatedAt:   createdAt,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
