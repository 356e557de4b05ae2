package types

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// Mode selects how a submission is processed.
type Mode string

const (
	ModeRun   Mode = "run"
	ModeDebug Mode = "debug"
	ModeGrade Mode = "grade"
)

// ErrorKind classifies an expected submission failure. It is carried inside
// an ExecutionResult with Success=false and is never a Go error.
type ErrorKind string

const (
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindMemoryExceeded ErrorKind = "memory_exceeded"
	ErrorKindCompileError   ErrorKind = "compile_error"
	ErrorKindRuntimeError   ErrorKind = "runtime_error"
)

// Language describes one supported runtime. Loaded once at startup and
// immutable afterwards; referenced by ID from every other entity.
type Language struct {
	ID             string          `json:"id"`
	DisplayName    string          `json:"display_name"`
	RuntimeVersion *semver.Version `json:"runtime_version"`

	// FileName is the name the submission is materialized under inside the
	// execution workspace. Command templates expand {file} to its path.
	FileName       string   `json:"file_name"`
	CompileCommand []string `json:"compile_command,omitempty"`
	RunCommand     []string `json:"run_command"`

	DefaultTimeoutMs int `json:"default_timeout_ms"`
	DefaultMemoryMb  int `json:"default_memory_mb"`

	// CompileErrorMarkers identify an interpreter failure that happened
	// before any user output was produced (e.g. "SyntaxError" for python).
	CompileErrorMarkers []string `json:"compile_error_markers,omitempty"`

	// Debuggable marks languages with a line-level debug harness.
	Debuggable bool `json:"debuggable"`
}

// ExecutionRequest is the value object constructed per submission. Optional
// limits must not exceed the language ceiling; the registry enforces that.
type ExecutionRequest struct {
	Code       string `json:"code"`
	LanguageID string `json:"language"`
	Stdin      string `json:"stdin,omitempty"`
	TimeoutMs  *int   `json:"timeout_ms,omitempty"`
	MemoryMb   *int   `json:"memory_mb,omitempty"`
	Mode       Mode   `json:"mode,omitempty"`
}

// ExecutionResult is produced exactly once per completed run and is
// immutable once returned. Partial stdout/stderr captured before a failure
// is preserved, never discarded.
type ExecutionResult struct {
	Success         bool      `json:"success"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	ExitCode        int       `json:"exit_code"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	MemoryUsedKb    *int64    `json:"memory_used_kb,omitempty"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
}

// SessionStatus is the lifecycle state of an execution session.
// Transitions are append-only; a terminal status never regresses.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return true
	}
	return false
}

// ExecutionSession is the tracked lifecycle of one submission. Owned
// exclusively by the session manager.
type ExecutionSession struct {
	ID          string           `json:"id"`
	Request     ExecutionRequest `json:"request"`
	Status      SessionStatus    `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
}

// DebugStatus is the lifecycle state of a debug session.
type DebugStatus string

const (
	DebugInitialized DebugStatus = "initialized"
	DebugSuspended   DebugStatus = "suspended"
	DebugCompleted   DebugStatus = "completed"
	DebugTerminated  DebugStatus = "terminated"
)

// Terminal reports whether the debug session accepts no further commands.
func (s DebugStatus) Terminal() bool {
	return s == DebugCompleted || s == DebugTerminated
}

// DebugSnapshot is what the debug-capable runner reports after each
// step/continue boundary.
type DebugSnapshot struct {
	CurrentLine int               `json:"current_line"`
	Variables   map[string]string `json:"variables"`
	Completed   bool              `json:"completed"`
	Output      string            `json:"output,omitempty"`
}

// DebugSessionView is the read-only projection of a debug session handed to
// callers. The live session is mutated only by the debug manager.
type DebugSessionView struct {
	ID          string            `json:"id"`
	SnippetRef  string            `json:"snippet_ref"`
	Status      DebugStatus       `json:"status"`
	CurrentLine int               `json:"current_line"`
	Breakpoints []int             `json:"breakpoints"`
	Variables   map[string]string `json:"variables"`
	StartedAt   time.Time         `json:"started_at"`
	Output      string            `json:"output,omitempty"`
}

// TestCase is read-only input owned by course content.
type TestCase struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Input          string `json:"input,omitempty"`
	ExpectedOutput string `json:"expected_output"`
	IsHidden       bool   `json:"is_hidden"`
	OrderIndex     int    `json:"order_index"`
	TimeoutMs      int    `json:"timeout_ms,omitempty"`
	Points         int    `json:"points,omitempty"`
}

// TestResult records one (attempt x test case) outcome; write-once.
type TestResult struct {
	TestCaseID      string `json:"test_case_id"`
	Passed          bool   `json:"passed"`
	ActualOutput    string `json:"actual_output"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// GradingSummary aggregates the results of one grading pass. Every test
// case is always evaluated; there is no short-circuit on failure.
type GradingSummary struct {
	PassedCount  int          `json:"passed_count"`
	TotalCount   int          `json:"total_count"`
	EarnedPoints int          `json:"earned_points"`
	TotalPoints  int          `json:"total_points"`
	Results      []TestResult `json:"results"`
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
