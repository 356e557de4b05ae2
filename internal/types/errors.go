package types

import "errors"

// Sentinel errors for the engine's taxonomy. Expected submission outcomes
// (timeout, OOM, compile/runtime failure) are NOT errors; they travel as
// ErrorKind inside a result. These cover caller mistakes, backpressure and
// infrastructure faults only.
var (
	// ErrUnsupportedLanguage rejects a request before anything is scheduled.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrLimitExceeded rejects request limits above the language ceiling.
	ErrLimitExceeded = errors.New("requested limit exceeds language ceiling")

	// ErrBusy signals admission-control backpressure; callers should retry
	// with backoff.
	ErrBusy = errors.New("execution capacity exhausted, retry later")

	// ErrSessionNotFound covers unknown or evicted session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy rejects a debug command while another command is in
	// flight on the same session. Commands are never queued silently.
	ErrSessionBusy = errors.New("another command is in flight for this session")

	// ErrSessionTerminal rejects commands against a finished session.
	ErrSessionTerminal = errors.New("session already reached a terminal state")

	// ErrInfrastructure marks a failure to provision the isolated execution
	// context itself. Retried transparently up to a bounded count.
	ErrInfrastructure = errors.New("failed to provision execution context")
)
