package grading

import (
	"context"
	"errors"
	"testing"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner maps stdin to a canned result, recording call order.
type scriptedRunner struct {
	results map[string]types.ExecutionResult
	errs    map[string]error
	inputs  []string
}

func (s *scriptedRunner) Execute(_ context.Context, spec runner.Spec) (types.ExecutionResult, error) {
	s.inputs = append(s.inputs, spec.Stdin)
	if err, ok := s.errs[spec.Stdin]; ok {
		return types.ExecutionResult{}, err
	}
	if res, ok := s.results[spec.Stdin]; ok {
		return res, nil
	}
	return types.ExecutionResult{Success: true}, nil
}

func testRegistry(t *testing.T) *language.Registry {
	t.Helper()
	registry, err := language.Load(&config.Config{})
	require.NoError(t, err)
	return registry
}

func TestGradeAggregatesAllCases(t *testing.T) {
	run := &scriptedRunner{
		results: map[string]types.ExecutionResult{
			"2":  {Success: true, Stdout: "4\n"},
			"3":  {Success: true, Stdout: "8\n"},
			"10": {Success: true, Stdout: "100\n"},
		},
	}
	engine := NewEngine(run, testRegistry(t))

	cases := []types.TestCase{
		{ID: "a", Input: "2", ExpectedOutput: "4", OrderIndex: 0},
		{ID: "b", Input: "3", ExpectedOutput: "9", OrderIndex: 1},
		{ID: "c", Input: "10", ExpectedOutput: "100", OrderIndex: 2},
	}

	summary, err := engine.Grade(context.Background(), "print(int(input())**2)", "python", cases)
	require.NoError(t, err)

	// The failing middle case must not stop the rest from running.
	assert.Equal(t, []string{"2", "3", "10"}, run.inputs)
	assert.Equal(t, 2, summary.PassedCount)
	assert.Equal(t, 3, summary.TotalCount)
	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[0].Passed)
	assert.False(t, summary.Results[1].Passed)
	assert.Equal(t, "output mismatch", summary.Results[1].ErrorMessage)
	assert.True(t, summary.Results[2].Passed)
}

func TestGradeRunsCasesInOrderIndexOrder(t *testing.T) {
	run := &scriptedRunner{}
	engine := NewEngine(run, testRegistry(t))

	cases := []types.TestCase{
		{ID: "third", Input: "3", OrderIndex: 7},
		{ID: "first", Input: "1", OrderIndex: 1},
		{ID: "second", Input: "2", OrderIndex: 4},
	}

	summary, err := engine.Grade(context.Background(), "code", "python", cases)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3"}, run.inputs)
	assert.Equal(t, "first", summary.Results[0].TestCaseID)
	assert.Equal(t, "second", summary.Results[1].TestCaseID)
	assert.Equal(t, "third", summary.Results[2].TestCaseID)
}

func TestGradePartialCredit(t *testing.T) {
	run := &scriptedRunner{
		results: map[string]types.ExecutionResult{
			"1": {Success: true, Stdout: "ok"},
			"2": {Success: true, Stdout: "wrong"},
			"3": {Success: true, Stdout: "ok"},
		},
	}
	engine := NewEngine(run, testRegistry(t))

	cases := []types.TestCase{
		{ID: "a", Input: "1", ExpectedOutput: "ok", Points: 3},
		{ID: "b", Input: "2", ExpectedOutput: "ok", Points: 5},
		{ID: "c", Input: "3", ExpectedOutput: "ok"}, // defaults to 1 point
	}

	summary, err := engine.Grade(context.Background(), "code", "python", cases)
	require.NoError(t, err)

	assert.Equal(t, 9, summary.TotalPoints)
	assert.Equal(t, 4, summary.EarnedPoints)
	assert.Equal(t, 2, summary.PassedCount)
}

func TestGradeFailureMessages(t *testing.T) {
	run := &scriptedRunner{
		results: map[string]types.ExecutionResult{
			"t": {Success: false, ErrorKind: types.ErrorKindTimeout},
			"m": {Success: false, ErrorKind: types.ErrorKindMemoryExceeded},
			"c": {Success: false, ErrorKind: types.ErrorKindCompileError},
			"r": {Success: false, ErrorKind: types.ErrorKindRuntimeError, ExitCode: 2},
		},
		errs: map[string]error{"x": errors.New("sandbox offline")},
	}
	engine := NewEngine(run, testRegistry(t))

	cases := []types.TestCase{
		{ID: "timeout", Input: "t", OrderIndex: 0},
		{ID: "memory", Input: "m", OrderIndex: 1},
		{ID: "compile", Input: "c", OrderIndex: 2},
		{ID: "runtime", Input: "r", OrderIndex: 3},
		{ID: "infra", Input: "x", OrderIndex: 4},
	}

	summary, err := engine.Grade(context.Background(), "code", "python", cases)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.PassedCount)
	assert.Equal(t, "time limit exceeded", summary.Results[0].ErrorMessage)
	assert.Equal(t, "memory limit exceeded", summary.Results[1].ErrorMessage)
	assert.Equal(t, "compilation failed", summary.Results[2].ErrorMessage)
	assert.Equal(t, "runtime error (exit code 2)", summary.Results[3].ErrorMessage)
	assert.Contains(t, summary.Results[4].ErrorMessage, "execution unavailable")
}

func TestGradePropagatesPoolBackpressure(t *testing.T) {
	run := &scriptedRunner{
		results: map[string]types.ExecutionResult{"1": {Success: true, Stdout: "ok"}},
		errs:    map[string]error{"2": types.ErrBusy},
	}
	engine := NewEngine(run, testRegistry(t))

	cases := []types.TestCase{
		{ID: "a", Input: "1", ExpectedOutput: "ok", OrderIndex: 0},
		{ID: "b", Input: "2", ExpectedOutput: "ok", OrderIndex: 1},
	}

	// Busy is the whole request's problem, not a per-case verdict.
	_, err := engine.Grade(context.Background(), "code", "python", cases)
	assert.ErrorIs(t, err, types.ErrBusy)
}

func TestGradeUnknownLanguage(t *testing.T) {
	engine := NewEngine(&scriptedRunner{}, testRegistry(t))

	_, err := engine.Grade(context.Background(), "code", "cobol", nil)
	assert.ErrorIs(t, err, types.ErrUnsupportedLanguage)
}

func TestRedactHidesHiddenCaseDetails(t *testing.T) {
	cases := []types.TestCase{
		{ID: "a", Name: "sample", Input: "1", ExpectedOutput: "1"},
		{ID: "b", Name: "secret", Input: "42", ExpectedOutput: "1764", IsHidden: true},
	}
	summary := types.GradingSummary{
		Results: []types.TestResult{
			{TestCaseID: "a", Passed: true, ActualOutput: "1", ExecutionTimeMs: 12},
			{TestCaseID: "b", Passed: false, ActualOutput: "1763", ErrorMessage: "output mismatch", ExecutionTimeMs: 9},
		},
	}

	reports := Redact(cases, summary)
	require.Len(t, reports, 2)

	visible := reports[0]
	assert.Equal(t, "1", visible.Input)
	assert.Equal(t, "1", visible.ExpectedOutput)
	assert.Equal(t, "1", visible.ActualOutput)

	hidden := reports[1]
	assert.True(t, hidden.Hidden)
	assert.False(t, hidden.Passed)
	assert.Equal(t, int64(9), hidden.ExecutionTimeMs)
	assert.Empty(t, hidden.Input)
	assert.Empty(t, hidden.ExpectedOutput)
	assert.Empty(t, hidden.ActualOutput)
	assert.Empty(t, hidden.ErrorMessage)
}
