package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// Runner is the batch execution capability one test case runs on. The
// production implementation is the session manager's shared pool, so grade
// sub-executions compete for the same bounded slots as plain runs.
type Runner interface {
	Execute(ctx context.Context, spec runner.Spec) (types.ExecutionResult, error)
}

// Engine grades one submission against an ordered list of test cases. Every
// case is always evaluated; a crash or timeout on one case fails that case
// only and never aborts the rest.
type Engine struct {
	run      Runner
	registry *language.Registry
	logger   *logrus.Entry
}

// NewEngine creates a grading engine.
func NewEngine(run Runner, registry *language.Registry) *Engine {
	return &Engine{
		run:      run,
		registry: registry,
		logger:   logrus.WithField("component", "grading"),
	}
}

// Grade runs the submission once per test case, in order, and aggregates
// pass/fail plus partial-credit scoring. The returned error covers caller
// errors (unknown language) and pool backpressure (ErrBusy) only.
func (e *Engine) Grade(ctx context.Context, code, languageID string, cases []types.TestCase) (types.GradingSummary, error) {
	lang, err := e.registry.Get(languageID)
	if err != nil {
		return types.GradingSummary{}, err
	}

	ordered := make([]types.TestCase, len(cases))
	copy(ordered, cases)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	summary := types.GradingSummary{
		TotalCount: len(ordered),
		Results:    make([]types.TestResult, 0, len(ordered)),
	}

	for _, tc := range ordered {
		points := tc.Points
		if points <= 0 {
			points = 1
		}
		summary.TotalPoints += points

		result, err := e.gradeCase(ctx, lang, code, tc)
		if err != nil {
			return types.GradingSummary{}, err
		}
		if result.Passed {
			summary.PassedCount++
			summary.EarnedPoints += points
		}
		summary.Results = append(summary.Results, result)
	}

	e.logger.WithFields(logrus.Fields{
		"language": languageID,
		"passed":   summary.PassedCount,
		"total":    summary.TotalCount,
	}).Info("Grading finished")

	return summary, nil
}

func (e *Engine) gradeCase(ctx context.Context, lang types.Language, code string, tc types.TestCase) (types.TestResult, error) {
	timeout := time.Duration(lang.DefaultTimeoutMs) * time.Millisecond
	if tc.TimeoutMs > 0 {
		timeout = time.Duration(tc.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	res, err := e.run.Execute(ctx, runner.Spec{
		Language: lang,
		Code:     code,
		Stdin:    tc.Input,
		Timeout:  timeout,
		MemoryMb: lang.DefaultMemoryMb,
	})
	if err != nil {
		// Backpressure applies to the whole grading request, not one case.
		if errors.Is(err, types.ErrBusy) {
			return types.TestResult{}, err
		}
		// An infrastructure fault is confined to this one case.
		return types.TestResult{
			TestCaseID:      tc.ID,
			Passed:          false,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ErrorMessage:    fmt.Sprintf("execution unavailable: %v", err),
		}, nil
	}

	result := types.TestResult{
		TestCaseID:      tc.ID,
		ActualOutput:    res.Stdout,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}

	if !res.Success {
		result.ErrorMessage = failureMessage(res)
		return result, nil
	}

	result.Passed = OutputsMatch(res.Stdout, tc.ExpectedOutput)
	if !result.Passed {
		result.ErrorMessage = "output mismatch"
	}
	return result, nil
}

func failureMessage(res types.ExecutionResult) string {
	switch res.ErrorKind {
	case types.ErrorKindTimeout:
		return "time limit exceeded"
	case types.ErrorKindMemoryExceeded:
		return "memory limit exceeded"
	case types.ErrorKindCompileError:
		return "compilation failed"
	default:
		return fmt.Sprintf("runtime error (exit code %d)", res.ExitCode)
	}
}

// CaseReport is the user-facing projection of one test result. Hidden test
// cases expose only pass/fail and timing; their input, expected output and
// actual output never leave the engine.
type CaseReport struct {
	TestCaseID      string `json:"test_case_id"`
	Name            string `json:"name"`
	Hidden          bool   `json:"hidden"`
	Passed          bool   `json:"passed"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Input           string `json:"input,omitempty"`
	ExpectedOutput  string `json:"expected_output,omitempty"`
	ActualOutput    string `json:"actual_output,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Redact builds the response payload for the submitting user, stripping
// hidden-case details.
func Redact(cases []types.TestCase, summary types.GradingSummary) []CaseReport {
	byID := make(map[string]types.TestCase, len(cases))
	for _, tc := range cases {
		byID[tc.ID] = tc
	}

	reports := make([]CaseReport, 0, len(summary.Results))
	for _, res := range summary.Results {
		tc := byID[res.TestCaseID]
		report := CaseReport{
			TestCaseID:      res.TestCaseID,
			Name:            tc.Name,
			Hidden:          tc.IsHidden,
			Passed:          res.Passed,
			ExecutionTimeMs: res.ExecutionTimeMs,
		}
		if !tc.IsHidden {
			report.Input = tc.Input
			report.ExpectedOutput = tc.ExpectedOutput
			report.ActualOutput = res.ActualOutput
			report.ErrorMessage = res.ErrorMessage
		}
		reports = append(reports, report)
	}
	return reports
}
