package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codelab/engine/internal/config"
	"github.com/codelab/engine/internal/types"
	"github.com/sirupsen/logrus"
)

// Client proxies the external advisory collaborators. Everything here is
// opaque to the execution core: suggestions decorate failed-run responses
// and validate/format are optional pre-submission gates, never part of
// execution semantics.
type Client struct {
	advisoryURL  string
	validatorURL string
	http         *http.Client
	logger       *logrus.Entry
}

// NewClient creates the pass-through client. Empty URLs disable the
// corresponding capability.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		advisoryURL:  cfg.AdvisoryURL,
		validatorURL: cfg.ValidatorURL,
		http:         &http.Client{Timeout: 5 * time.Second},
		logger:       logrus.WithField("component", "advisory"),
	}
}

// Suggest fetches a human-readable hint for a failed result. Best effort:
// any failure yields an empty suggestion, never an error.
func (c *Client) Suggest(ctx context.Context, req types.ExecutionRequest, result types.ExecutionResult) string {
	if c.advisoryURL == "" || result.Success {
		return ""
	}

	payload := map[string]interface{}{
		"language":   req.LanguageID,
		"code":       req.Code,
		"stderr":     result.Stderr,
		"error_kind": result.ErrorKind,
	}

	var out struct {
		Suggestion string `json:"suggestion"`
	}
	if err := c.post(ctx, c.advisoryURL+"/suggest", payload, &out); err != nil {
		c.logger.WithError(err).Debug("Advisory suggestion unavailable")
		return ""
	}
	return out.Suggestion
}

// Validate proxies the static validation gate verbatim.
func (c *Client) Validate(ctx context.Context, code string) (json.RawMessage, error) {
	return c.proxy(ctx, "/validate", code)
}

// Format proxies the formatting gate verbatim.
func (c *Client) Format(ctx context.Context, code string) (json.RawMessage, error) {
	return c.proxy(ctx, "/format", code)
}

func (c *Client) proxy(ctx context.Context, path, code string) (json.RawMessage, error) {
	if c.validatorURL == "" {
		return nil, fmt.Errorf("validator service is not configured")
	}

	var raw json.RawMessage
	if err := c.post(ctx, c.validatorURL+path, map[string]string{"code": code}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
