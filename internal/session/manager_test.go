package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/language"
	"github.com/codelab/engine/internal/runner"
	"github.com/codelab/engine/internal/stream"
	"github.com/codelab/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner stands in for the process runner. It can emit output through
// the sink, fail a scripted number of times, or block until released.
type fakeRunner struct {
	mu      sync.Mutex
	errs    []error
	result  types.ExecutionResult
	emit    bool
	block   bool
	started chan struct{}
	release chan struct{}
	calls   int
}

func (f *fakeRunner) Execute(ctx context.Context, spec runner.Spec) (types.ExecutionResult, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if err != nil {
		return types.ExecutionResult{}, err
	}
	if f.emit && spec.Sink != nil {
		spec.Sink("stdout", f.result.Stdout)
	}
	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return types.ExecutionResult{Stdout: "partial"}, nil
		}
	}
	return f.result, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConcurrentRuns: 2,
		QueueDepth:        8,
		InfraRetries:      0,
		SessionRetention:  16,
		StreamBacklog:     32,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, run Runner) (*Manager, *stream.Hub) {
	t.Helper()
	registry, err := language.Load(&config.Config{})
	require.NoError(t, err)
	hub := stream.NewHub(cfg.StreamBacklog)
	m, err := NewManager(cfg, run, registry, hub)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, hub
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndAwaitCompleted(t *testing.T) {
	run := &fakeRunner{result: types.ExecutionResult{Success: true, Stdout: "hello\n"}}
	m, _ := newTestManager(t, testConfig(), run)

	id, err := m.Submit(types.ExecutionRequest{Code: "echo hello", LanguageID: "shell"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := m.Await(awaitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	require.NotNil(t, sess.Result)
	assert.Equal(t, "hello\n", sess.Result.Stdout)
	require.NotNil(t, sess.CompletedAt)
	assert.False(t, sess.CompletedAt.Before(sess.CreatedAt))
}

func TestSubmitUnsupportedLanguage(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), &fakeRunner{})

	_, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "cobol"})
	assert.ErrorIs(t, err, types.ErrUnsupportedLanguage)
}

func TestSubmitRejectsLimitAboveCeiling(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), &fakeRunner{})

	over := 10 * 60 * 1000
	_, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "python", TimeoutMs: &over})
	assert.ErrorIs(t, err, types.ErrLimitExceeded)
}

func TestSubmitBusyWhenQueueFull(t *testing.T) {
	run := &fakeRunner{
		block:   true,
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 1
	cfg.QueueDepth = 1
	m, hub := newTestManager(t, cfg, run)

	first, err := m.Submit(types.ExecutionRequest{Code: "a", LanguageID: "shell"})
	require.NoError(t, err)
	<-run.started // the single worker is now pinned on the first session

	queued, err := m.Submit(types.ExecutionRequest{Code: "b", LanguageID: "shell"})
	require.NoError(t, err)

	// A submitted session is observable (store + stream) before any worker
	// can reach it.
	_, ok := hub.Get(queued)
	assert.True(t, ok)

	_, err = m.Submit(types.ExecutionRequest{Code: "c", LanguageID: "shell"})
	assert.ErrorIs(t, err, types.ErrBusy)

	// The rejected submission leaves no trace behind.
	assert.Len(t, m.History(), 2)

	close(run.release)
	for _, id := range []string{first, queued} {
		sess, err := m.Await(awaitCtx(t), id)
		require.NoError(t, err)
		assert.True(t, sess.Status.Terminal())
	}
}

func TestCancelQueuedSession(t *testing.T) {
	run := &fakeRunner{
		block:   true,
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 1
	cfg.QueueDepth = 4
	m, _ := newTestManager(t, cfg, run)

	_, err := m.Submit(types.ExecutionRequest{Code: "a", LanguageID: "shell"})
	require.NoError(t, err)
	<-run.started

	queued, err := m.Submit(types.ExecutionRequest{Code: "b", LanguageID: "shell"})
	require.NoError(t, err)

	ok, err := m.Cancel(queued)
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err := m.Await(awaitCtx(t), queued)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, sess.Status)
	assert.Nil(t, sess.Result)

	close(run.release)

	// Cancelling a terminal session is a no-op, never a status change.
	ok, err = m.Cancel(queued)
	require.NoError(t, err)
	assert.False(t, ok)
	sess, err = m.Get(queued)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, sess.Status)
}

func TestCancelRunningSessionKeepsPartialOutput(t *testing.T) {
	run := &fakeRunner{
		block:   true,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m, _ := newTestManager(t, testConfig(), run)

	id, err := m.Submit(types.ExecutionRequest{Code: "sleep 60", LanguageID: "shell"})
	require.NoError(t, err)
	<-run.started

	ok, err := m.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err := m.Await(awaitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, sess.Status)
	require.NotNil(t, sess.Result)
	assert.Equal(t, "partial", sess.Result.Stdout)
}

func TestCancelUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), &fakeRunner{})

	_, err := m.Cancel("no-such-session")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestInfraRetryThenSuccess(t *testing.T) {
	run := &fakeRunner{
		errs:   []error{errors.New("boom"), errors.New("boom")},
		result: types.ExecutionResult{Success: true, Stdout: "ok"},
	}
	cfg := testConfig()
	cfg.InfraRetries = 2
	m, _ := newTestManager(t, cfg, run)

	id, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "shell"})
	require.NoError(t, err)

	sess, err := m.Await(awaitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Equal(t, 3, run.callCount())
}

func TestInfraRetriesExhaustedFails(t *testing.T) {
	run := &fakeRunner{
		errs: []error{errors.New("boom"), errors.New("boom"), errors.New("boom")},
	}
	cfg := testConfig()
	cfg.InfraRetries = 2
	m, _ := newTestManager(t, cfg, run)

	id, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "shell"})
	require.NoError(t, err)

	sess, err := m.Await(awaitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Nil(t, sess.Result)
	assert.Equal(t, 3, run.callCount())
}

func TestHistoryMostRecentFirstAndBounded(t *testing.T) {
	run := &fakeRunner{result: types.ExecutionResult{Success: true}}
	cfg := testConfig()
	cfg.SessionRetention = 2
	m, _ := newTestManager(t, cfg, run)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "shell"})
		require.NoError(t, err)
		_, err = m.Await(awaitCtx(t), id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, 2, m.store.len())
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)

	_, err := m.Get(ids[0])
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

// trackingRunner records the peak number of simultaneous Execute calls.
type trackingRunner struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (f *trackingRunner) Execute(_ context.Context, _ runner.Spec) (types.ExecutionResult, error) {
	f.mu.Lock()
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	f.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	f.mu.Lock()
	f.current--
	f.mu.Unlock()
	return types.ExecutionResult{Success: true}, nil
}

func (f *trackingRunner) peakCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func TestInlineExecuteSharesBoundedPool(t *testing.T) {
	run := &trackingRunner{}
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 2
	cfg.QueueDepth = 16
	m, _ := newTestManager(t, cfg, run)

	ctx := awaitCtx(t)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Execute(ctx, runner.Spec{Code: "x"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, run.peakCount(), 2,
		"inline executions must never exceed the worker pool ceiling")
}

func TestInlineExecuteBusyWhenQueueFull(t *testing.T) {
	run := &fakeRunner{
		block:   true,
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 1
	cfg.QueueDepth = 1
	m, _ := newTestManager(t, cfg, run)

	first, err := m.Submit(types.ExecutionRequest{Code: "a", LanguageID: "shell"})
	require.NoError(t, err)
	<-run.started

	queued, err := m.Submit(types.ExecutionRequest{Code: "b", LanguageID: "shell"})
	require.NoError(t, err)

	// Inline runs compete for the same queue as sessions.
	_, err = m.Execute(awaitCtx(t), runner.Spec{Code: "c"})
	assert.ErrorIs(t, err, types.ErrBusy)

	close(run.release)
	for _, id := range []string{first, queued} {
		_, err := m.Await(awaitCtx(t), id)
		require.NoError(t, err)
	}
}

func TestCloseRacesSubmitSafely(t *testing.T) {
	run := &fakeRunner{result: types.ExecutionResult{Success: true}}
	m, _ := newTestManager(t, testConfig(), run)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "shell"})
			_, _ = m.Execute(context.Background(), runner.Spec{Code: "y"})
		}()
	}
	m.Close()
	wg.Wait()

	// Admission after shutdown is backpressure, not a panic.
	_, err := m.Submit(types.ExecutionRequest{Code: "x", LanguageID: "shell"})
	assert.ErrorIs(t, err, types.ErrBusy)
	_, err = m.Execute(context.Background(), runner.Spec{Code: "y"})
	assert.ErrorIs(t, err, types.ErrBusy)
}

func TestStreamCarriesOutputAndTerminalChunk(t *testing.T) {
	run := &fakeRunner{
		emit:   true,
		result: types.ExecutionResult{Success: true, Stdout: "hello"},
	}
	m, hub := newTestManager(t, testConfig(), run)

	id, err := m.Submit(types.ExecutionRequest{Code: "echo hello", LanguageID: "shell"})
	require.NoError(t, err)
	_, err = m.Await(awaitCtx(t), id)
	require.NoError(t, err)

	b, ok := hub.Get(id)
	require.True(t, ok)

	var chunks []stream.Chunk
	for c := range b.Subscribe(context.Background()) {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Payload)
	assert.Equal(t, "stdout", chunks[0].Stream)
	assert.True(t, chunks[1].IsFinal)
	assert.Equal(t, string(types.SessionCompleted), chunks[1].Payload)
}
