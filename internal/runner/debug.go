package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codelab/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// Action is one debug protocol command.
type Action string

const (
	ActionStep      Action = "step"
	ActionContinue  Action = "continue"
	ActionTerminate Action = "terminate"
)

// ErrDebugClosed is returned from Resume once the traced process is gone.
var ErrDebugClosed = errors.New("debug process is no longer running")

const eventPrefix = "###DBG###"

// DebugProcess is a resumable traced interpreter. Unlike Execute, its
// contract is incremental: each Resume advances the program to the next
// suspension point and reports a snapshot. The process and its workspace
// live until Kill or natural completion.
type DebugProcess struct {
	cmd       *exec.Cmd
	stdin     *json.Encoder
	stdinPipe interface{ Close() error }
	events    chan debugEvent
	workspace string

	outputMu sync.Mutex
	output   strings.Builder

	killed      atomic.Bool
	stepTimeout time.Duration
	logger      *logrus.Entry
}

type debugEvent struct {
	Line int               `json:"line"`
	Vars map[string]string `json:"vars"`
	Done bool              `json:"done"`
}

type debugCommand struct {
	Action      Action `json:"action"`
	Breakpoints []int  `json:"breakpoints"`
}

// StartDebug launches the submission under the line-level trace harness and
// blocks until the program suspends at its first executable line. The
// returned snapshot is that first suspension.
func (r *Runner) StartDebug(ctx context.Context, spec Spec) (*DebugProcess, types.DebugSnapshot, error) {
	if spec.Language.ID != "python" || !spec.Language.Debuggable {
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: no debug harness for %s",
			types.ErrUnsupportedLanguage, spec.Language.ID)
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkDirectory, "engine-debug-*")
	if err != nil {
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: create workspace: %v", types.ErrInfrastructure, err)
	}

	srcPath := filepath.Join(workspace, spec.Language.FileName)
	harnessPath := filepath.Join(workspace, "_trace_harness.py")
	if err := os.WriteFile(srcPath, []byte(spec.Code), 0644); err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: write submission: %v", types.ErrInfrastructure, err)
	}
	if err := os.WriteFile(harnessPath, []byte(pythonHarness), 0644); err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: write harness: %v", types.ErrInfrastructure, err)
	}

	cmd := exec.Command(spec.Language.RunCommand[0], "_trace_harness.py", spec.Language.FileName)
	cmd.Dir = workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: stdin pipe: %v", types.ErrInfrastructure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: stdout pipe: %v", types.ErrInfrastructure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: stderr pipe: %v", types.ErrInfrastructure, err)
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(workspace)
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: start harness: %v", types.ErrInfrastructure, err)
	}

	dp := &DebugProcess{
		cmd:         cmd,
		stdin:       json.NewEncoder(stdin),
		stdinPipe:   stdin,
		events:      make(chan debugEvent, 8),
		workspace:   workspace,
		stepTimeout: r.cfg.DebugStepTimeout,
		logger:      r.logger.WithField("component", "debug-runner"),
	}

	go dp.pumpStderr(stderr)
	go dp.pumpEvents(stdout)

	snap, err := dp.waitEvent(ctx)
	if err != nil {
		dp.Kill()
		return nil, types.DebugSnapshot{}, fmt.Errorf("%w: harness did not suspend: %v", types.ErrInfrastructure, err)
	}
	return dp, snap, nil
}

// Resume sends one step/continue command with the current breakpoint set
// and blocks until the next suspension or program completion.
func (dp *DebugProcess) Resume(ctx context.Context, action Action, breakpoints []int) (types.DebugSnapshot, error) {
	if dp.killed.Load() {
		return types.DebugSnapshot{}, ErrDebugClosed
	}
	if breakpoints == nil {
		breakpoints = []int{}
	}
	if err := dp.stdin.Encode(debugCommand{Action: action, Breakpoints: breakpoints}); err != nil {
		return types.DebugSnapshot{}, ErrDebugClosed
	}
	if action == ActionTerminate {
		dp.Kill()
		return types.DebugSnapshot{Completed: true, Output: dp.takeOutput()}, nil
	}
	return dp.waitEvent(ctx)
}

// Kill forcibly ends the traced process and releases its workspace.
// Idempotent.
func (dp *DebugProcess) Kill() {
	if dp.killed.Swap(true) {
		return
	}
	dp.stdinPipe.Close()
	if dp.cmd.Process != nil {
		syscall.Kill(-dp.cmd.Process.Pid, syscall.SIGKILL)
	}
	go func() {
		dp.cmd.Wait()
		os.RemoveAll(dp.workspace)
	}()
}

func (dp *DebugProcess) waitEvent(ctx context.Context) (types.DebugSnapshot, error) {
	timer := time.NewTimer(dp.stepTimeout)
	defer timer.Stop()

	select {
	case ev, ok := <-dp.events:
		if !ok {
			// Process exited without a suspension event: run to completion.
			dp.finish()
			return types.DebugSnapshot{Completed: true, Output: dp.takeOutput()}, nil
		}
		snap := types.DebugSnapshot{
			CurrentLine: ev.Line,
			Variables:   ev.Vars,
			Completed:   ev.Done,
			Output:      dp.takeOutput(),
		}
		if ev.Done {
			dp.finish()
		}
		return snap, nil
	case <-ctx.Done():
		dp.Kill()
		return types.DebugSnapshot{}, ctx.Err()
	case <-timer.C:
		// A step that never suspends again means the program is stuck
		// between breakpoints; reclaim the process.
		dp.Kill()
		return types.DebugSnapshot{}, fmt.Errorf("debug step timed out after %s", dp.stepTimeout)
	}
}

// finish reaps a naturally completed process without the hard group kill.
func (dp *DebugProcess) finish() {
	if dp.killed.Swap(true) {
		return
	}
	dp.stdinPipe.Close()
	go func() {
		dp.cmd.Wait()
		os.RemoveAll(dp.workspace)
	}()
}

// pumpEvents splits harness events from program stdout. Lines carrying the
// event prefix become snapshots; everything else is user output.
func (dp *DebugProcess) pumpEvents(r interface{ Read([]byte) (int, error) }) {
	defer close(dp.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, eventPrefix) {
			var ev debugEvent
			if err := json.Unmarshal([]byte(line[len(eventPrefix):]), &ev); err != nil {
				dp.logger.WithError(err).Warn("Dropping malformed harness event")
				continue
			}
			dp.events <- ev
			continue
		}
		dp.appendOutput(line + "\n")
	}
}

func (dp *DebugProcess) pumpStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		dp.appendOutput(scanner.Text() + "\n")
	}
}

func (dp *DebugProcess) appendOutput(s string) {
	dp.outputMu.Lock()
	dp.output.WriteString(s)
	dp.outputMu.Unlock()
}

// takeOutput drains the program output accumulated since the last snapshot.
func (dp *DebugProcess) takeOutput() string {
	dp.outputMu.Lock()
	defer dp.outputMu.Unlock()
	out := dp.output.String()
	dp.output.Reset()
	return out
}

// pythonHarness suspends before each executable line of the target file,
// reports {line, vars} on stdout behind the event prefix, and blocks on a
// JSON command from stdin. Terminate exits immediately; the final event has
// done=true.
const pythonHarness = `import json
import runpy
import sys

TARGET = sys.argv[1]
PREFIX = "###DBG###"

state = {"mode": "step", "breaks": set()}


def snapshot(frame):
    out = {}
    for name, value in frame.f_locals.items():
        if name.startswith("__"):
            continue
        try:
            out[name] = repr(value)
        except Exception:
            out[name] = "<unrepresentable>"
    return out


def emit(obj):
    sys.stdout.write(PREFIX + json.dumps(obj) + "\n")
    sys.stdout.flush()


def suspend(frame, line):
    emit({"line": line, "vars": snapshot(frame), "done": False})
    raw = sys.stdin.readline()
    if not raw:
        raise SystemExit(0)
    cmd = json.loads(raw)
    state["breaks"] = set(cmd.get("breakpoints") or [])
    action = cmd.get("action")
    if action == "terminate":
        raise SystemExit(0)
    state["mode"] = "step" if action == "step" else "run"


def trace(frame, event, arg):
    if frame.f_code.co_filename != TARGET:
        return None
    if event == "line":
        line = frame.f_lineno
        if state["mode"] == "step" or line in state["breaks"]:
            suspend(frame, line)
    return trace


sys.settrace(trace)
try:
    runpy.run_path(TARGET, run_name="__main__")
except SystemExit:
    pass
finally:
    sys.settrace(None)
    emit({"done": True, "line": 0, "vars": {}})
`
