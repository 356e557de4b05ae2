package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink receives output lines as they are produced, before the run
// completes. Lines include the trailing newline. Optional.
type Sink func(stream, line string)

// Spec describes a single sandboxed execution. Each Execute call is
// independent; nothing persists past the call.
type Spec struct {
	Language types.Language
	Code     string
	Stdin    string
	Timeout  time.Duration
	MemoryMb int
	Sink     Sink
}

// Runner executes one code submission to completion inside an isolated
// process with a bounded wall-clock time. Memory ceilings are enforced by
// the configured sandbox wrapper; the Runner classifies the resulting
// abnormal termination.
type Runner struct {
	cfg    *config.Config
	logger *logrus.Entry
}

// New creates a new runner.
func New(cfg *config.Config) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logrus.WithField("component", "runner"),
	}
}

// Execute runs the submission and returns its result. The returned error
// covers infrastructure faults only; submission failures (timeout, OOM,
// compile or runtime errors) are carried inside the result.
func (r *Runner) Execute(ctx context.Context, spec Spec) (types.ExecutionResult, error) {
	runID := uuid.New().String()
	logger := r.logger.WithField("run_id", runID)

	start := time.Now()

	workspace, err := os.MkdirTemp(r.cfg.WorkDirectory, "engine-run-*")
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("%w: create workspace: %v", types.ErrInfrastructure, err)
	}
	defer os.RemoveAll(workspace)

	srcPath := filepath.Join(workspace, spec.Language.FileName)
	if err := os.WriteFile(srcPath, []byte(spec.Code), 0644); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("%w: write submission: %v", types.ErrInfrastructure, err)
	}

	stdin := spec.Stdin
	if stdin != "" && !strings.HasSuffix(stdin, "\n") {
		stdin += "\n"
	}

	// Compile stage for compiled languages. A nonzero exit here is a
	// CompileError, not a system failure.
	if len(spec.Language.CompileCommand) > 0 {
		logger.Debug("Running compile stage")
		st, err := r.runStage(ctx, workspace, spec, spec.Language.CompileCommand, "", nil)
		if err != nil {
			return types.ExecutionResult{}, err
		}
		if st.timedOut || st.cancelled || st.exitCode != 0 {
			kind := types.ErrorKindCompileError
			switch {
			case st.timedOut:
				kind = types.ErrorKindTimeout
			case st.cancelled:
				kind = ""
			}
			return types.ExecutionResult{
				Stdout:          st.stdout,
				Stderr:          st.stderr,
				ExitCode:        st.exitCode,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
				ErrorKind:       kind,
			}, nil
		}
	}

	logger.Debug("Running execution stage")
	st, err := r.runStage(ctx, workspace, spec, spec.Language.RunCommand, stdin, spec.Sink)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	result := types.ExecutionResult{
		Stdout:          st.stdout,
		Stderr:          st.stderr,
		ExitCode:        st.exitCode,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		MemoryUsedKb:    st.memoryKb,
	}
	result.ErrorKind = classify(spec, st)
	result.Success = result.ErrorKind == "" && !st.cancelled

	logger.WithFields(logrus.Fields{
		"language":  spec.Language.ID,
		"exit_code": result.ExitCode,
		"elapsed":   result.ExecutionTimeMs,
		"success":   result.Success,
	}).Info("Run finished")

	return result, nil
}

// stageResult is the raw outcome of one compile or run stage. timedOut and
// cancelled distinguish the wall-clock kill from a caller-initiated kill;
// only the former is a submission failure.
type stageResult struct {
	stdout    string
	stderr    string
	exitCode  int
	signaled  bool
	signal    syscall.Signal
	timedOut  bool
	cancelled bool
	memoryKb  *int64
}

// runStage launches one stage under the optional sandbox wrapper, wires
// stdin, pumps output with a size cap, and enforces the wall-clock timer by
// killing the whole process group on expiry.
func (r *Runner) runStage(ctx context.Context, dir string, spec Spec, argv []string, stdin string, sink Sink) (*stageResult, error) {
	full := expandCommand(argv, spec.Language.FileName)
	if len(r.cfg.SandboxCommand) > 0 {
		full = append(r.sandboxPrefix(spec), full...)
	}

	cmd := exec.Command(full[0], full[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", types.ErrInfrastructure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", types.ErrInfrastructure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start process: %v", types.ErrInfrastructure, err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var timedOut, cancelled atomic.Bool
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-stageCtx.Done():
			if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
				timedOut.Store(true)
			} else {
				cancelled.Store(true)
			}
			// Kill the whole group; never rely on the child to yield.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-waitDone:
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	g := new(errgroup.Group)
	g.Go(func() error {
		r.pump(stdout, &stdoutBuf, "stdout", sink)
		return nil
	})
	g.Go(func() error {
		r.pump(stderr, &stderrBuf, "stderr", sink)
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()
	close(waitDone)

	st := &stageResult{
		stdout: stdoutBuf.String(),
		stderr: stderrBuf.String(),
	}
	st.timedOut = timedOut.Load()
	st.cancelled = cancelled.Load()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: wait: %v", types.ErrInfrastructure, waitErr)
		}
	}

	state := cmd.ProcessState
	st.exitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signaled = true
		st.signal = ws.Signal()
		st.exitCode = 128 + int(ws.Signal())
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		kb := int64(ru.Maxrss)
		st.memoryKb = &kb
	}

	return st, nil
}

// pump copies output line by line into buf up to the configured cap,
// mirroring each line to the sink. Reading stops once the cap is reached;
// everything captured so far is preserved.
func (r *Runner) pump(reader io.Reader, buf *bytes.Buffer, stream string, sink Sink) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), r.cfg.OutputMaxBytes)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if buf.Len()+len(line) > r.cfg.OutputMaxBytes {
			return
		}
		buf.WriteString(line)
		if sink != nil {
			sink(stream, line)
		}
	}
}

// sandboxPrefix assembles the isolation wrapper invocation. The wrapper
// owns memory/process enforcement; the Runner only passes the ceilings.
func (r *Runner) sandboxPrefix(spec Spec) []string {
	prefix := make([]string, 0, len(r.cfg.SandboxCommand)+4)
	prefix = append(prefix, r.cfg.SandboxCommand...)
	if spec.MemoryMb > 0 {
		prefix = append(prefix, fmt.Sprintf("--mem=%d", spec.MemoryMb))
	}
	prefix = append(prefix, fmt.Sprintf("--wall-time=%d", int(spec.Timeout.Seconds())+1), "--")
	return prefix
}

func expandCommand(argv []string, fileName string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{file}", fileName)
	}
	return out
}

// classify maps a finished stage onto the failure taxonomy. Order matters:
// the wall-clock kill wins over everything, a caller-initiated kill is no
// failure at all, OOM kills win over generic crashes, and pre-output
// interpreter failures count as compile errors.
func classify(spec Spec, st *stageResult) types.ErrorKind {
	switch {
	case st.timedOut:
		return types.ErrorKindTimeout
	case st.cancelled:
		return ""
	case st.exitCode == 0:
		return ""
	case oomKilled(spec, st):
		return types.ErrorKindMemoryExceeded
	case st.stdout == "" && matchesMarker(spec.Language.CompileErrorMarkers, st.stderr):
		return types.ErrorKindCompileError
	default:
		return types.ErrorKindRuntimeError
	}
}

func oomKilled(spec Spec, st *stageResult) bool {
	if strings.Contains(st.stderr, "MemoryError") {
		return true
	}
	if spec.MemoryMb <= 0 {
		return false
	}
	if st.signaled && st.signal == syscall.SIGKILL {
		return true
	}
	return st.memoryKb != nil && *st.memoryKb >= int64(spec.MemoryMb)*1024
}

func matchesMarker(markers []string, stderr string) bool {
	for _, m := range markers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}
