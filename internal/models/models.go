package models

import "time"

// JobStatus represents the lifecycle state of a single-stage generation job.
type JobStatus string

const (
	// StatusPending means the job is waiting to be submitted or re-submitted.
	StatusPending JobStatus = "pending"
	// StatusProcessing means the remote provider accepted the job and is working on it.
	StatusProcessing JobStatus = "processing"
	// StatusCompleted means the provider delivered a final result. Absorbing.
	StatusCompleted JobStatus = "completed"
	// StatusFailed means the job failed; terminal once the retry budget is spent.
	StatusFailed JobStatus = "failed"
)

// Priority orders pending jobs. Urgent jobs are handed out before high,
// high before normal, normal before low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the numeric weight of a priority; higher runs first.
// Unknown values rank below low so malformed input never jumps the queue.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is one of the four known priority levels.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// JobResult is the opaque success payload delivered by the provider.
type JobResult struct {
	VideoURL        string  `json:"video_url"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ContentType     string  `json:"content_type,omitempty"`
}

// Job is a single-stage generation job tracked in the ephemeral queue.
type Job struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Status         JobStatus         `json:"status"`
	Priority       Priority          `json:"priority"`
	Progress       int               `json:"progress"` // 0-100, monotonic while non-terminal
	ProviderHandle string            `json:"provider_handle,omitempty"`
	Result         *JobResult        `json:"result,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsTerminal reports whether the job reached an absorbing state.
// A failed job with retry budget left is not terminal: Fail resets it to pending.
func (j *Job) IsTerminal() bool {
	if j.Status == StatusCompleted {
		return true
	}
	return j.Status == StatusFailed && j.RetryCount >= j.MaxRetries
}

// CompositeStatus represents the lifecycle state of a multi-clip video job.
type CompositeStatus string

const (
	CompositePending         CompositeStatus = "pending"
	CompositeGeneratingClips CompositeStatus = "generating_clips"
	CompositeStitching       CompositeStatus = "stitching"
	CompositeCompleted       CompositeStatus = "completed"
	CompositeFailed          CompositeStatus = "failed"
)

// ClipStatus represents the lifecycle state of one clip inside a composite job.
type ClipStatus string

const (
	ClipPending         ClipStatus = "pending"
	ClipGeneratingAudio ClipStatus = "generating_audio"
	ClipGeneratingVideo ClipStatus = "generating_video"
	ClipCompleted       ClipStatus = "completed"
	ClipFailed          ClipStatus = "failed"
)

// ClipType is the role a clip plays in the assembled video.
type ClipType string

const (
	ClipTypeHook ClipType = "hook"
	ClipTypeBody ClipType = "body"
	ClipTypeCTA  ClipType = "cta"
)

// CompositeJob is a durable multi-clip generation job. Clips are generated
// independently; a final stitch phase begins only once every clip completed.
type CompositeJob struct {
	ID                    string          `json:"id"`
	OwnerID               string          `json:"owner_id"`
	Status                CompositeStatus `json:"status"`
	SourceText            string          `json:"source_text"`
	ActorID               string          `json:"actor_id"`
	VoiceID               string          `json:"voice_id,omitempty"`
	AspectRatio           string          `json:"aspect_ratio,omitempty"`
	TargetDurationSeconds int             `json:"target_duration_seconds"`
	TotalClips            int             `json:"total_clips"`
	CurrentClip           int             `json:"current_clip"` // derived: count of completed clips
	StitchHandle          string          `json:"stitch_handle,omitempty"`
	FinalResult           *JobResult      `json:"final_result,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the composite reached an absorbing state.
func (c *CompositeJob) IsTerminal() bool {
	return c.Status == CompositeCompleted || c.Status == CompositeFailed
}

// ClipJob is one ordered segment of a composite job.
type ClipJob struct {
	ID               string     `json:"id"`
	CompositeID      string     `json:"composite_id"`
	ClipIndex        int        `json:"clip_index"` // stable ordinal, 1..TotalClips
	ClipType         ClipType   `json:"clip_type"`
	Script           string     `json:"script"`
	EstimatedSeconds int        `json:"estimated_seconds"`
	Status           ClipStatus `json:"status"`
	ProviderHandle   string     `json:"provider_handle,omitempty"`
	AudioURL         string     `json:"audio_url,omitempty"`
	VideoURL         string     `json:"video_url,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// JobSubmitRequest is the payload for a single-stage submission.
type JobSubmitRequest struct {
	OwnerID       string            `json:"owner_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	SourceText    string            `json:"source_text"`
	ActorID       string            `json:"actor_id"`
	VoiceID       string            `json:"voice_id,omitempty"`
	AspectRatio   string            `json:"aspect_ratio,omitempty"`
	Priority      Priority          `json:"priority,omitempty"`
	MaxRetries    int               `json:"max_retries,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// VideoSubmitRequest is the payload for a composite multi-clip submission.
type VideoSubmitRequest struct {
	OwnerID               string `json:"owner_id"`
	SourceText            string `json:"source_text"`
	ActorID               string `json:"actor_id"`
	VoiceID               string `json:"voice_id,omitempty"`
	AspectRatio           string `json:"aspect_ratio,omitempty"`
	TargetDurationSeconds int    `json:"target_duration_seconds,omitempty"`
}

// Metrics holds queue-level counters for the metrics endpoint.
type Metrics struct {
	TotalJobs      int64 `json:"total_jobs"`
	PendingJobs    int64 `json:"pending_jobs"`
	ProcessingJobs int64 `json:"processing_jobs"`
	CompletedJobs  int64 `json:"completed_jobs"`
	FailedJobs     int64 `json:"failed_jobs"` // terminal failures awaiting manual retry
	TotalRetries   int64 `json:"total_retries"`
}

// Stage is the coarse progress stage shown to subscribers. Stages are derived
// from progress-percentage bands, never from raw provider vocabulary.
type Stage string

const (
	StageScript     Stage = "script"
	StageAudio      Stage = "audio"
	StageVideo      Stage = "video"
	StageProcessing Stage = "processing"
	StageDone       Stage = "done"
)

// ProgressSnapshot is the shape emitted by both the polling status endpoint
// and each tick of the streaming endpoint.
type ProgressSnapshot struct {
	JobID                string         `json:"job_id"`
	Status               string         `json:"status"`
	Stage                Stage          `json:"stage"`
	StageProgress        int            `json:"stage_progress"` // 0-100 within the stage band
	OverallProgress      int            `json:"overall_progress"`
	EstimatedSecondsLeft int            `json:"estimated_seconds_left"`
	Result               *JobResult     `json:"result,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	Clips                []ClipProgress `json:"clips,omitempty"`
	Terminal             bool           `json:"terminal"`
}

// ClipProgress is the per-clip slice of a composite snapshot.
type ClipProgress struct {
	ClipIndex    int        `json:"clip_index"`
	ClipType     ClipType   `json:"clip_type"`
	Status       ClipStatus `json:"status"`
	VideoURL     string     `json:"video_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
