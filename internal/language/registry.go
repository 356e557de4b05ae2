package language

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// Registry holds the static language metadata. Populated once before first
// use, read-only afterwards, so concurrent reads need no locking.
type Registry struct {
	byID    map[string]types.Language
	ordered []types.Language
}

// Limits are the effective resource bounds for one request after clamping
// against the language ceiling.
type Limits struct {
	Timeout  time.Duration
	MemoryMb int
}

// Load builds the registry from the configured manifest file, falling back
// to the built-in language set when no manifest is configured.
func Load(cfg *config.Config) (*Registry, error) {
	logger := logrus.WithField("component", "language")

	languages := builtin()
	if cfg.LanguagesFile != "" {
		data, err := os.ReadFile(cfg.LanguagesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read languages manifest: %w", err)
		}
		languages = nil
		if err := json.Unmarshal(data, &languages); err != nil {
			return nil, fmt.Errorf("failed to parse languages manifest: %w", err)
		}
	}

	r := &Registry{byID: make(map[string]types.Language, len(languages))}
	for _, lang := range languages {
		if lang.ID == "" || len(lang.RunCommand) == 0 || lang.FileName == "" {
			return nil, fmt.Errorf("language entry %q is missing id, run command or file name", lang.ID)
		}
		if lang.DefaultTimeoutMs <= 0 {
			lang.DefaultTimeoutMs = 3000
		}
		if _, dup := r.byID[lang.ID]; dup {
			return nil, fmt.Errorf("duplicate language id: %s", lang.ID)
		}
		r.byID[lang.ID] = lang
		r.ordered = append(r.ordered, lang)
	}

	logger.Infof("Loaded %d languages", len(r.ordered))
	return r, nil
}

// Get returns the descriptor for a language id. A miss is a caller error;
// upstream must reject the request before any Runner is invoked.
func (r *Registry) Get(id string) (types.Language, error) {
	lang, ok := r.byID[id]
	if !ok {
		return types.Language{}, fmt.Errorf("%w: %s", types.ErrUnsupportedLanguage, id)
	}
	return lang, nil
}

// List returns all registered languages in manifest order.
func (r *Registry) List() []types.Language {
	out := make([]types.Language, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ResolveLimits applies request overrides against the language ceiling.
// An override above the ceiling is rejected, not silently clamped.
func (r *Registry) ResolveLimits(lang types.Language, req types.ExecutionRequest) (Limits, error) {
	limits := Limits{
		Timeout:  time.Duration(lang.DefaultTimeoutMs) * time.Millisecond,
		MemoryMb: lang.DefaultMemoryMb,
	}

	if req.TimeoutMs != nil {
		if *req.TimeoutMs <= 0 {
			return Limits{}, fmt.Errorf("%w: timeout_ms must be positive", types.ErrLimitExceeded)
		}
		if *req.TimeoutMs > lang.DefaultTimeoutMs {
			return Limits{}, fmt.Errorf("%w: timeout_ms %d > %d for %s",
				types.ErrLimitExceeded, *req.TimeoutMs, lang.DefaultTimeoutMs, lang.ID)
		}
		limits.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	if req.MemoryMb != nil {
		if *req.MemoryMb <= 0 {
			return Limits{}, fmt.Errorf("%w: memory_mb must be positive", types.ErrLimitExceeded)
		}
		if lang.DefaultMemoryMb > 0 && *req.MemoryMb > lang.DefaultMemoryMb {
			return Limits{}, fmt.Errorf("%w: memory_mb %d > %d for %s",
				types.ErrLimitExceeded, *req.MemoryMb, lang.DefaultMemoryMb, lang.ID)
		}
		limits.MemoryMb = *req.MemoryMb
	}

	return limits, nil
}

func builtin() []types.Language {
	return []types.Language{
		{
			ID:                  "python",
			DisplayName:         "Python",
			RuntimeVersion:      semver.MustParse("3.11.0"),
			FileName:            "main.py",
			RunCommand:          []string{"python3", "{file}"},
			DefaultTimeoutMs:    5000,
			DefaultMemoryMb:     256,
			CompileErrorMarkers: []string{"SyntaxError", "IndentationError", "TabError"},
			Debuggable:          true,
		},
		{
			ID:                  "javascript",
			DisplayName:         "JavaScript",
			RuntimeVersion:      semver.MustParse("20.0.0"),
			FileName:            "main.js",
			RunCommand:          []string{"node", "{file}"},
			DefaultTimeoutMs:    5000,
			DefaultMemoryMb:     256,
			CompileErrorMarkers: []string{"SyntaxError"},
		},
		{
			ID:               "go",
			DisplayName:      "Go",
			RuntimeVersion:   semver.MustParse("1.22.0"),
			FileName:         "main.go",
			CompileCommand:   []string{"go", "build", "-o", "program", "{file}"},
			RunCommand:       []string{"./program"},
			DefaultTimeoutMs: 10000,
			DefaultMemoryMb:  512,
		},
		{
			ID:               "shell",
			DisplayName:      "Shell",
			RuntimeVersion:   semver.MustParse("1.0.0"),
			FileName:         "main.sh",
			RunCommand:       []string{"/bin/sh", "{file}"},
			DefaultTimeoutMs: 5000,
			DefaultMemoryMb:  128,
		},
	}
}
