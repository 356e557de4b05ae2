package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/stream"
	"github.com/codelab/engine/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Runner is the batch execution capability the manager schedules onto.
type Runner interface {
	Execute(ctx context.Context, spec runner.Spec) (types.ExecutionResult, error)
}

// task is one unit of pool work. Tracked sessions and inline grade-case
// runs share the same bounded queue and the same workers, so nothing in
// the process executes a Runner outside the pool ceiling.
type task interface {
	run(m *Manager)
}

// record is one tracked session plus its control surface. The session value
// inside is mutated only under mu and only by this package.
type record struct {
	mu      sync.Mutex
	session types.ExecutionSession
	lang    types.Language
	limits  language.Limits
	cancel  context.CancelFunc
	done    chan struct{}
}

func (rec *record) run(m *Manager) { m.execute(rec) }

// inlineRun is a pool task with no session identity: no history entry, no
// stream, the caller blocks on done for the result.
type inlineRun struct {
	ctx  context.Context
	spec runner.Spec
	done chan inlineOutcome
}

type inlineOutcome struct {
	result types.ExecutionResult
	err    error
}

func (t *inlineRun) run(m *Manager) {
	res, err := m.run.Execute(t.ctx, t.spec)
	t.done <- inlineOutcome{result: res, err: err}
}

// Manager owns the lifecycle of execution sessions: admission, scheduling
// onto a bounded worker pool, cancellation, and retained history. All pool
// accounting goes through the single enqueue/terminal path here.
type Manager struct {
	cfg      *config.Config
	logger   *logrus.Entry
	run      Runner
	registry *language.Registry
	hub      *stream.Hub
	store    *Store
	queue    chan task
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
}

// NewManager creates the manager, its bounded session store, and the worker
// pool. Workers start immediately.
func NewManager(cfg *config.Config, run Runner, registry *language.Registry, hub *stream.Hub) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		logger:   logrus.WithField("component", "session"),
		run:      run,
		registry: registry,
		hub:      hub,
		queue:    make(chan task, cfg.QueueDepth),
	}

	store, err := NewStore(cfg.SessionRetention, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	m.store = store

	for i := 0; i < cfg.MaxConcurrentRuns; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	return m, nil
}

// Submit validates and enqueues a request, returning immediately with the
// new session id. Beyond the queue-depth ceiling, submission is rejected
// with ErrBusy rather than growing unbounded.
func (m *Manager) Submit(req types.ExecutionRequest) (string, error) {
	lang, err := m.registry.Get(req.LanguageID)
	if err != nil {
		return "", err
	}
	limits, err := m.registry.ResolveLimits(lang, req)
	if err != nil {
		return "", err
	}

	rec := &record{
		session: types.ExecutionSession{
			ID:        uuid.New().String(),
			Request:   req,
			Status:    types.SessionQueued,
			CreatedAt: time.Now(),
		},
		lang:   lang,
		limits: limits,
		done:   make(chan struct{}),
	}

	// Store and stream must exist before a worker can reach the record,
	// otherwise a fast worker finishes against a broadcaster that is not
	// there yet.
	m.store.add(rec.session.ID, rec)
	m.hub.Open(rec.session.ID)

	if err := m.enqueue(rec); err != nil {
		m.store.remove(rec.session.ID)
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": rec.session.ID,
		"language":   lang.ID,
	}).Info("Session queued")

	return rec.session.ID, nil
}

// Execute runs one spec through the shared run/grade pool and blocks for
// its result. No session is created; admission follows the same bounded
// queue as Submit and rejects with ErrBusy beyond the ceiling.
func (m *Manager) Execute(ctx context.Context, spec runner.Spec) (types.ExecutionResult, error) {
	t := &inlineRun{ctx: ctx, spec: spec, done: make(chan inlineOutcome, 1)}
	if err := m.enqueue(t); err != nil {
		return types.ExecutionResult{}, err
	}
	select {
	case out := <-t.done:
		return out.result, out.err
	case <-ctx.Done():
		return types.ExecutionResult{}, ctx.Err()
	}
}

// enqueue admits one task under the shutdown guard, so a concurrent Close
// can never close the queue between the closed check and the send.
func (m *Manager) enqueue(t task) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return types.ErrBusy
	}
	select {
	case m.queue <- t:
		return nil
	default:
		return types.ErrBusy
	}
}

// Get returns a read-only copy of the session.
func (m *Manager) Get(id string) (types.ExecutionSession, error) {
	rec, ok := m.store.get(id)
	if !ok {
		return types.ExecutionSession{}, types.ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session, nil
}

// Await blocks until the session reaches a terminal status or ctx ends.
func (m *Manager) Await(ctx context.Context, id string) (types.ExecutionSession, error) {
	rec, ok := m.store.get(id)
	if !ok {
		return types.ExecutionSession{}, types.ErrSessionNotFound
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return types.ExecutionSession{}, ctx.Err()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session, nil
}

// Cancel requests cooperative termination of a queued or in-flight session.
// It reports whether a cancellation was actually initiated.
func (m *Manager) Cancel(id string) (bool, error) {
	rec, ok := m.store.get(id)
	if !ok {
		return false, types.ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.session.Status.Terminal() {
		rec.mu.Unlock()
		return false, nil
	}
	if rec.session.Status == types.SessionQueued {
		m.finishLocked(rec, types.SessionCancelled, nil)
		rec.mu.Unlock()
		m.finishStream(rec.session.ID, types.SessionCancelled)
		return true, nil
	}
	cancel := rec.cancel
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true, nil
}

// History lists retained sessions, most recent first.
func (m *Manager) History() []types.ExecutionSession {
	records := m.store.all()
	out := make([]types.ExecutionSession, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, rec.session)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Close stops admission and waits for in-flight work to settle.
func (m *Manager) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.closeMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		t.run(m)
	}
}

func (m *Manager) execute(rec *record) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec.mu.Lock()
	if rec.session.Status.Terminal() {
		// Cancelled while still queued.
		rec.mu.Unlock()
		return
	}
	rec.session.Status = types.SessionRunning
	rec.cancel = cancel
	rec.mu.Unlock()

	var sink runner.Sink
	if b, ok := m.hub.Get(rec.session.ID); ok {
		sink = func(stream, line string) { b.Publish(stream, line) }
	}

	spec := runner.Spec{
		Language: rec.lang,
		Code:     rec.session.Request.Code,
		Stdin:    rec.session.Request.Stdin,
		Timeout:  rec.limits.Timeout,
		MemoryMb: rec.limits.MemoryMb,
		Sink:     sink,
	}

	// Provisioning faults are the one category retried transparently;
	// submission failures come back inside the result and are final.
	var result types.ExecutionResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = m.run.Execute(ctx, spec)
		if err == nil || ctx.Err() != nil || attempt >= m.cfg.InfraRetries {
			break
		}
		m.logger.WithError(err).WithField("session_id", rec.session.ID).
			Warnf("Provisioning failed, retry %d of %d", attempt+1, m.cfg.InfraRetries)
	}

	var status types.SessionStatus
	var resultPtr *types.ExecutionResult
	switch {
	case ctx.Err() != nil:
		status = types.SessionCancelled
		if err == nil {
			// Keep whatever partial output the run produced before the kill.
			resultPtr = &result
		}
	case err != nil:
		status = types.SessionFailed
	default:
		status = types.SessionCompleted
		resultPtr = &result
	}

	rec.mu.Lock()
	if !rec.session.Status.Terminal() {
		m.finishLocked(rec, status, resultPtr)
	}
	status = rec.session.Status
	rec.mu.Unlock()

	m.finishStream(rec.session.ID, status)

	entry := m.logger.WithFields(logrus.Fields{
		"session_id": rec.session.ID,
		"status":     status,
	})
	if err != nil {
		entry.WithError(err).Error("Session failed")
	} else {
		entry.Info("Session finished")
	}
}

// finishLocked applies the terminal transition. Callers hold rec.mu and
// have verified the session is not already terminal.
func (m *Manager) finishLocked(rec *record, status types.SessionStatus, result *types.ExecutionResult) {
	now := time.Now()
	rec.session.Status = status
	rec.session.CompletedAt = &now
	rec.session.Result = result
	close(rec.done)
}

func (m *Manager) finishStream(id string, status types.SessionStatus) {
	if b, ok := m.hub.Get(id); ok {
		b.Finish(string(status))
	}
}

// onEvict releases resources of sessions pushed out of the retained window.
func (m *Manager) onEvict(id string, rec *record) {
	rec.mu.Lock()
	cancel := rec.cancel
	terminal := rec.session.Status.Terminal()
	rec.mu.Unlock()

	if !terminal && cancel != nil {
		cancel()
	}
	m.hub.Drop(id)
}
