package debug

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/types"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// Proc is one live debug-capable runner process.
type Proc interface {
	Resume(ctx context.Context, action runner.Action, breakpoints []int) (types.DebugSnapshot, error)
	Kill()
}

// Starter allocates debug-capable runner processes.
type Starter interface {
	StartDebug(ctx context.Context, spec runner.Spec) (Proc, types.DebugSnapshot, error)
}

// NewRunnerStarter adapts the concrete runner to the Starter capability.
func NewRunnerStarter(r *runner.Runner) Starter {
	return runnerStarter{r: r}
}

type runnerStarter struct{ r *runner.Runner }

func (s runnerStarter) StartDebug(ctx context.Context, spec runner.Spec) (Proc, types.DebugSnapshot, error) {
	return s.r.StartDebug(ctx, spec)
}

// session is one live debug session. cmdMu serializes step/continue/
// terminate (concurrent commands are rejected, never queued); stateMu
// guards the observable fields so reads never wait behind a slow step.
type session struct {
	cmdMu   sync.Mutex
	stateMu sync.Mutex

	id          string
	snippetRef  string
	status      types.DebugStatus
	currentLine int
	breakpoints mapset.Set[int]
	variables   map[string]string
	startedAt   time.Time
	lastActive  time.Time
	lastOutput  string
	proc        Proc
	slotHeld    bool
}

// Manager owns all debug sessions: at most one live session per snippet,
// a bounded number of dedicated process slots, per-session command
// serialization, and idle reaping.
type Manager struct {
	cfg       *config.Config
	logger    *logrus.Entry
	start     Starter
	registry  *language.Registry
	sessions  *xsync.MapOf[string, *session]
	bySnippet *xsync.MapOf[string, string]
	slots     chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewManager creates the manager and starts the idle reaper.
func NewManager(cfg *config.Config, start Starter, registry *language.Registry) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    logrus.WithField("component", "debug"),
		start:     start,
		registry:  registry,
		sessions:  xsync.NewMapOf[string, *session](),
		bySnippet: xsync.NewMapOf[string, string](),
		slots:     make(chan struct{}, cfg.DebugSlots),
		stop:      make(chan struct{}),
	}
	go m.reaper()
	return m
}

// Start allocates a debug process for the snippet and performs the implicit
// first step, so the returned session is already Suspended at the first
// executable line. A prior live session for the same snippet is terminated.
func (m *Manager) Start(ctx context.Context, snippetRef, code, languageID string) (types.DebugSessionView, error) {
	lang, err := m.registry.Get(languageID)
	if err != nil {
		return types.DebugSessionView{}, err
	}
	if !lang.Debuggable {
		return types.DebugSessionView{}, fmt.Errorf("%w: %s has no debug support",
			types.ErrUnsupportedLanguage, languageID)
	}

	if oldID, ok := m.bySnippet.Load(snippetRef); ok {
		// Best effort; the old session may already be terminal.
		m.Terminate(oldID)
	}

	// Debug sessions hold a dedicated slot for their entire suspended
	// lifetime, distinct from the transient run pool.
	select {
	case m.slots <- struct{}{}:
	default:
		return types.DebugSessionView{}, types.ErrBusy
	}

	spec := runner.Spec{
		Language: lang,
		Code:     code,
		Timeout:  time.Duration(lang.DefaultTimeoutMs) * time.Millisecond,
		MemoryMb: lang.DefaultMemoryMb,
	}
	proc, snap, err := m.start.StartDebug(ctx, spec)
	if err != nil {
		<-m.slots
		return types.DebugSessionView{}, err
	}

	now := time.Now()
	sess := &session{
		id:          uuid.New().String(),
		snippetRef:  snippetRef,
		status:      types.DebugSuspended,
		currentLine: snap.CurrentLine,
		breakpoints: mapset.NewSet[int](),
		variables:   snap.Variables,
		startedAt:   now,
		lastActive:  now,
		lastOutput:  snap.Output,
		proc:        proc,
		slotHeld:    true,
	}
	if sess.variables == nil {
		sess.variables = map[string]string{}
	}
	if snap.Completed {
		sess.status = types.DebugCompleted
		m.releaseSlot(sess)
	}

	m.sessions.Store(sess.id, sess)
	m.bySnippet.Store(snippetRef, sess.id)

	m.logger.WithFields(logrus.Fields{
		"session_id": sess.id,
		"snippet":    snippetRef,
		"line":       sess.currentLine,
	}).Info("Debug session started")

	return m.view(sess), nil
}

// Step advances execution by one line.
func (m *Manager) Step(id string) (types.DebugSessionView, error) {
	return m.command(id, runner.ActionStep)
}

// Continue resumes until the next breakpoint or program end.
func (m *Manager) Continue(id string) (types.DebugSessionView, error) {
	return m.command(id, runner.ActionContinue)
}

// Terminate forcibly ends the session. Terminating an already-terminal
// session is a no-op, not an error.
func (m *Manager) Terminate(id string) (types.DebugSessionView, error) {
	return m.command(id, runner.ActionTerminate)
}

// SetBreakpoint adds a breakpoint; valid only before the session finishes.
func (m *Manager) SetBreakpoint(id string, line int) (types.DebugSessionView, error) {
	if line <= 0 {
		return types.DebugSessionView{}, fmt.Errorf("breakpoint line must be positive, got %d", line)
	}
	sess, ok := m.sessions.Load(id)
	if !ok {
		return types.DebugSessionView{}, types.ErrSessionNotFound
	}
	if !sess.cmdMu.TryLock() {
		return types.DebugSessionView{}, types.ErrSessionBusy
	}
	defer sess.cmdMu.Unlock()

	sess.stateMu.Lock()
	if sess.status.Terminal() {
		sess.stateMu.Unlock()
		return types.DebugSessionView{}, types.ErrSessionTerminal
	}
	sess.breakpoints.Add(line)
	sess.lastActive = time.Now()
	sess.stateMu.Unlock()

	return m.view(sess), nil
}

// Get returns the current read-only projection of a session.
func (m *Manager) Get(id string) (types.DebugSessionView, error) {
	sess, ok := m.sessions.Load(id)
	if !ok {
		return types.DebugSessionView{}, types.ErrSessionNotFound
	}
	return m.view(sess), nil
}

// Close terminates every live session and stops the reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.sessions.Range(func(id string, _ *session) bool {
		m.Terminate(id)
		return true
	})
}

func (m *Manager) command(id string, action runner.Action) (types.DebugSessionView, error) {
	sess, ok := m.sessions.Load(id)
	if !ok {
		return types.DebugSessionView{}, types.ErrSessionNotFound
	}
	if !sess.cmdMu.TryLock() {
		return types.DebugSessionView{}, types.ErrSessionBusy
	}
	defer sess.cmdMu.Unlock()

	sess.stateMu.Lock()
	if sess.status.Terminal() {
		sess.stateMu.Unlock()
		if action == runner.ActionTerminate {
			return m.view(sess), nil
		}
		return types.DebugSessionView{}, types.ErrSessionTerminal
	}
	sess.lastActive = time.Now()
	breakpoints := sess.breakpoints.ToSlice()
	proc := sess.proc
	sess.stateMu.Unlock()

	if action == runner.ActionTerminate {
		proc.Kill()
		sess.stateMu.Lock()
		sess.status = types.DebugTerminated
		m.releaseSlotLocked(sess)
		sess.stateMu.Unlock()
		m.logger.WithField("session_id", id).Info("Debug session terminated")
		return m.view(sess), nil
	}

	sort.Ints(breakpoints)
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.DebugStepTimeout)
	defer cancel()

	snap, err := proc.Resume(ctx, action, breakpoints)
	if err != nil {
		// The process is unusable; reclaim it rather than leave the
		// session half-alive.
		proc.Kill()
		sess.stateMu.Lock()
		sess.status = types.DebugTerminated
		m.releaseSlotLocked(sess)
		sess.stateMu.Unlock()
		return types.DebugSessionView{}, fmt.Errorf("debug command failed: %w", err)
	}

	sess.stateMu.Lock()
	sess.lastActive = time.Now()
	sess.lastOutput = snap.Output
	if snap.Completed {
		sess.status = types.DebugCompleted
		m.releaseSlotLocked(sess)
	} else {
		sess.status = types.DebugSuspended
		sess.currentLine = snap.CurrentLine
		if snap.Variables != nil {
			sess.variables = snap.Variables
		}
	}
	sess.stateMu.Unlock()

	return m.view(sess), nil
}

func (m *Manager) view(sess *session) types.DebugSessionView {
	sess.stateMu.Lock()
	defer sess.stateMu.Unlock()

	breakpoints := sess.breakpoints.ToSlice()
	sort.Ints(breakpoints)
	variables := make(map[string]string, len(sess.variables))
	for k, v := range sess.variables {
		variables[k] = v
	}

	return types.DebugSessionView{
		ID:          sess.id,
		SnippetRef:  sess.snippetRef,
		Status:      sess.status,
		CurrentLine: sess.currentLine,
		Breakpoints: breakpoints,
		Variables:   variables,
		StartedAt:   sess.startedAt,
		Output:      sess.lastOutput,
	}
}

func (m *Manager) releaseSlot(sess *session) {
	sess.stateMu.Lock()
	m.releaseSlotLocked(sess)
	sess.stateMu.Unlock()
}

func (m *Manager) releaseSlotLocked(sess *session) {
	if sess.slotHeld {
		sess.slotHeld = false
		<-m.slots
	}
}

// reaper terminates sessions idle past the configured window and forgets
// terminal sessions once they have lingered as long again.
func (m *Manager) reaper() {
	interval := m.cfg.DebugIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		m.sessions.Range(func(id string, sess *session) bool {
			sess.stateMu.Lock()
			idle := now.Sub(sess.lastActive)
			terminal := sess.status.Terminal()
			snippet := sess.snippetRef
			sess.stateMu.Unlock()

			if terminal {
				if idle > m.cfg.DebugIdleTimeout {
					m.sessions.Delete(id)
					m.bySnippet.Compute(snippet, func(cur string, loaded bool) (string, bool) {
						// Drop the mapping only if it still points at us.
						return cur, !loaded || cur == id
					})
				}
				return true
			}

			if idle > m.cfg.DebugIdleTimeout {
				m.logger.WithField("session_id", id).Info("Reaping idle debug session")
				m.Terminate(id)
			}
			return true
		})
	}
}
