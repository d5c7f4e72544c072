// Package model defines the core domain types shared across all microcase packages.
// It has zero dependencies on other microcase packages.
package model

import "time"

// Status represents the current state of a generation session.
type Status string

const (
	// StatusAccepted means the request was validated and the job is scheduled.
	StatusAccepted Status = "accepted"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Stage names a pipeline stage that makes attempts.
type Stage string

const (
	StageExpert  Stage = "expert"
	StageTutor   Stage = "tutor"
	StageStudent Stage = "student"
)

// RawComment is a review comment as it arrives from a CSV file or a pull request,
// before identifiers are assigned.
type RawComment struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	Text       string `json:"comment"`
	Author     string `json:"author,omitempty"`
}

// ReviewComment is a raw comment with a stable identifier. IDs are assigned in
// input order and survive deduplication unchanged.
type ReviewComment struct {
	ID         int    `json:"comment_id"`
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	Text       string `json:"comment"`
	Author     string `json:"author,omitempty"`
}

// Microcase is a generated exercise tied to one review comment.
type Microcase struct {
	CommentID         int    `json:"comment_id"`
	Description       string `json:"description"`
	TestSuite         string `json:"test_suite"`
	ReferenceSolution string `json:"reference_solution,omitempty"`
}

// Outcome is the sealed result of one attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AttemptRecord describes one sealed attempt. Records are never mutated after
// the attempt ends.
type AttemptRecord struct {
	Stage        Stage         `json:"stage"`
	CommentID    int           `json:"comment_id"`
	AttemptIndex int           `json:"attempt_index"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Outcome      Outcome       `json:"outcome"`
	ArtifactsDir string        `json:"artifacts_dir"`
}

// DurationStats aggregates attempt durations. Avg uses integer division and is
// zero when there are no attempts.
type DurationStats struct {
	Total    time.Duration   `json:"total"`
	Avg      time.Duration   `json:"avg"`
	Attempts []time.Duration `json:"attempts"`
}

// NewDurationStats computes totals for the given attempt durations.
func NewDurationStats(durations []time.Duration) DurationStats {
	stats := DurationStats{Attempts: append([]time.Duration{}, durations...)}
	for _, d := range durations {
		stats.Total += d
	}
	if len(durations) > 0 {
		stats.Avg = stats.Total / time.Duration(len(durations))
	}
	return stats
}

// StageResult is the outcome of one stage's retry loop for one comment.
type StageResult struct {
	CommentID            int             `json:"comment_id"`
	Success              bool            `json:"success"`
	Attempts             int             `json:"attempts"`
	Records              []AttemptRecord `json:"records"`
	SuccessfulAttemptDir string          `json:"successful_attempt_dir,omitempty"`
	LastAttemptDir       string          `json:"last_attempt_dir,omitempty"`
	Duration             DurationStats   `json:"duration"`
}

// ExpertResult is the Expert stage's result for one comment.
type ExpertResult struct {
	StageResult
	SourceFilePath   string     `json:"source_file_path"`
	SourceLineNumber int        `json:"source_line_number"`
	ReviewComment    string     `json:"review_comment"`
	Microcase        *Microcase `json:"microcase,omitempty"`
}

// TutorResult is the Tutor stage's result for one comment.
type TutorResult struct {
	StageResult
	Accepted bool    `json:"accepted"`
	Score    float64 `json:"score"`
	Review   string  `json:"review"`
}

// StudentResult is the Student stage's result for one comment.
type StudentResult struct {
	CommentID    int           `json:"comment_id"`
	Accepted     bool          `json:"accepted"`
	PassRatio    float64       `json:"pass_ratio"`
	Passed       []int         `json:"passed_students"`
	Failed       []int         `json:"failed_students"`
	SolutionsDir string        `json:"student_solutions_dir,omitempty"`
	Duration     DurationStats `json:"duration"`
}

// StageDurations groups duration stats per stage in a report entry.
type StageDurations struct {
	Expert  DurationStats  `json:"expert"`
	Tutor   *DurationStats `json:"tutor"`
	Student *DurationStats `json:"student"`
}

// ReportEntry is one line of the final report. Downstream fields are nil when
// the stage did not run for the comment.
type ReportEntry struct {
	CommentID        int            `json:"comment_id"`
	SourceFilePath   string         `json:"source_file_path"`
	SourceLineNumber int            `json:"source_line_number"`
	Accepted         bool           `json:"accepted"`
	PassRatio        *float64       `json:"pass_ratio"`
	TutorReview      *string        `json:"tutor_review"`
	TutorScore       *float64       `json:"tutor_score"`
	AttemptsTutor    int            `json:"attempts_tutor"`
	AttemptsExpert   int            `json:"attempts_expert"`
	StageDuration    StageDurations `json:"stage_duration"`
	StudentsFailed   []int          `json:"students_failed"`
	StudentsPassed   []int          `json:"students_passed"`
	SuccessfulDir    string         `json:"successful_attempt_dir,omitempty"`
}

// Session represents a single generation run addressable by its ID.
type Session struct {
	ID              string    `json:"id"`
	RequesterID     string    `json:"requester_id"`
	SourceReference string    `json:"source_reference"`
	Status          Status    `json:"status"`
	WorkDir         string    `json:"work_dir,omitempty"`
	TotalAccepted   int       `json:"total_accepted"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Event types streamed to clients.
const (
	EventProgress  = "progress"
	EventMicrocase = "microcase"
	EventComplete  = "complete"
	EventError     = "error"
)

// Event represents a single event in a session's lifecycle. Data holds the
// JSON payload.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the event ends a stream.
func (e *Event) Terminal() bool { return e.Type == EventComplete }

// MicrocasePayload is the body of a "microcase" event.
type MicrocasePayload struct {
	MicrocaseID   int    `json:"microcase_id"`
	FilePath      string `json:"file_path"`
	LineNumber    int    `json:"line_number"`
	Comment       string `json:"comment"`
	ReviewComment string `json:"review_comment"`
	Solution      string `json:"solution"`
}

// CompletePayload is the body of a "complete" event.
type CompletePayload struct {
	Message       string `json:"message"`
	TotalAccepted int    `json:"total_accepted"`
}

// MessagePayload is the body of "progress" and "error" events.
type MessagePayload struct {
	Message string `json:"message"`
}

// CachedMicrocase locates the artifacts of one accepted microcase so later
// requests can check solutions against it without regenerating anything.
type CachedMicrocase struct {
	CacheKey      string    `json:"cache_key"`
	MicrocaseID   int       `json:"microcase_id"`
	FilePath      string    `json:"file_path"`
	LineNumber    int       `json:"line_number"`
	ReviewComment string    `json:"review_comment"`
	Description   string    `json:"description"`
	Dir           string    `json:"dir"`
	CreatedAt     time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// Tail returns the last maxLen runes of s.
func Tail(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[len(r)-maxLen:])
}
