package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/kbase/internal/config"
	"github.com/kalambet/kbase/internal/recovery"
)

// Client is a typed HTTP client for the embedding/similarity backend.
// Mutating operations never return errors: every failure mode resolves to a
// result value, and failed mutations are handed to the recovery queue.
type Client struct {
	cfg    config.VectorConfig
	http   *http.Client
	queue  *recovery.Queue
	stats  *ErrorStats
	logger *slog.Logger

	sleep func(time.Duration) // test hook
}

// NewClient builds a client from config. queue may be nil, in which case
// failed mutations are not retained for replay.
func NewClient(cfg config.VectorConfig, queue *recovery.Queue, stats *ErrorStats, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout()},
		queue:  queue,
		stats:  stats,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Stats exposes the error counters for status reporting.
func (c *Client) Stats() *ErrorStats { return c.stats }

// Enabled reports whether the backend is configured active.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

const disabledMessage = "vector service disabled"

// AddVector registers an entry with the backend's search index.
func (c *Client) AddVector(ctx context.Context, id int64, inputText, answer string) MutationResult {
	return c.mutate(ctx, recovery.KindAdd, mutateRequest{ID: id, InputText: inputText, Answer: answer})
}

// UpdateVector replaces an entry in the backend's search index.
func (c *Client) UpdateVector(ctx context.Context, id int64, inputText, answer string) MutationResult {
	return c.mutate(ctx, recovery.KindUpdate, mutateRequest{ID: id, InputText: inputText, Answer: answer})
}

// DeleteVector removes an entry from the backend's search index.
func (c *Client) DeleteVector(ctx context.Context, id int64) MutationResult {
	return c.mutate(ctx, recovery.KindDelete, deleteRequest{ID: id})
}

func (c *Client) mutate(ctx context.Context, kind recovery.Kind, payload any) MutationResult {
	if !c.cfg.Enabled {
		return MutationResult{Success: true, Message: disabledMessage}
	}

	method, path := routeFor(kind)
	var resp mutateResponse
	if err := c.call(ctx, method, path, payload, &resp); err != nil {
		c.absorb(err, string(kind))
		c.enqueue(kind, payload)
		return MutationResult{Success: false, Message: "service unavailable, operation skipped"}
	}
	return MutationResult{Success: resp.Success, Message: resp.Message}
}

func routeFor(kind recovery.Kind) (method, path string) {
	switch kind {
	case recovery.KindAdd:
		return http.MethodPost, "/vectors/add"
	case recovery.KindUpdate:
		return http.MethodPut, "/vectors/update"
	case recovery.KindDelete:
		return http.MethodDelete, "/vectors/delete"
	default:
		return http.MethodPost, "/vectors/add"
	}
}

// Search asks the backend for the most similar indexed entry.
// Failures degrade to a no-match result.
func (c *Client) Search(ctx context.Context, query string) SearchResult {
	if !c.cfg.Enabled {
		return SearchResult{Success: true, MatchFound: false, Message: disabledMessage}
	}

	var resp searchResponse
	if err := c.call(ctx, http.MethodPost, "/vectors/search", searchRequest{Query: query}, &resp); err != nil {
		c.absorb(err, "search")
		return SearchResult{Success: false, MatchFound: false}
	}
	return SearchResult{
		Success:         resp.Success,
		MatchFound:      resp.MatchFound,
		SimilarityScore: resp.SimilarityScore,
		KBID:            resp.KBID,
		Answer:          resp.Answer,
		Message:         resp.Message,
	}
}

// Embed returns the backend's embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	var resp embedResponse
	if err := c.call(ctx, http.MethodPost, "/vectors/embed", embedRequest{Text: text}, &resp); err != nil {
		c.absorb(err, "embed")
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("embedding request rejected: %s", resp.Message)
	}
	return resp.Embedding, nil
}

// Health probes the backend once, with no retry. Any failure, non-2xx
// status, or status string other than "healthy" yields an unhealthy result.
func (c *Client) Health(ctx context.Context) HealthStatus {
	if !c.cfg.Enabled {
		return HealthStatus{Status: "unhealthy", Message: disabledMessage}
	}

	var resp healthResponse
	if err := c.callOnce(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	if resp.Status != "healthy" {
		return HealthStatus{Status: "unhealthy", Message: resp.Message}
	}
	return HealthStatus{Status: "healthy", Message: resp.Message}
}

// Replay executes a queued operation directly, bypassing the fallback and
// enqueue machinery. The queue interprets the returned error.
func (c *Client) Replay(ctx context.Context, op recovery.Operation) error {
	method, path := routeFor(op.Kind)

	switch op.Kind {
	case recovery.KindAdd, recovery.KindUpdate:
		var req mutateRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("decoding %s payload: %w", op.Kind, err)
		}
		var resp mutateResponse
		if err := c.call(ctx, method, path, req, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("backend rejected replayed %s: %s", op.Kind, resp.Message)
		}
		return nil
	case recovery.KindDelete:
		var req deleteRequest
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return fmt.Errorf("decoding delete payload: %w", err)
		}
		var resp mutateResponse
		if err := c.call(ctx, method, path, req, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("backend rejected replayed delete: %s", resp.Message)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// call issues the request with retry and exponential backoff. The delay
// before attempt n (n starting at 1) is retryDelay * 2^(n-1).
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.cfg.RetryDelay() * time.Duration(1<<(attempt-2))
			c.logger.Debug("retrying backend call", "path", path, "attempt", attempt, "backoff", backoff)
			c.sleep(backoff)
		}
		if err := c.callOnce(ctx, method, path, body, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Client) callOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: truncate(string(data), 200)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// absorb classifies a terminal error, records it, and logs it. The caller
// then returns a fallback value instead of the error.
func (c *Client) absorb(err error, op string) {
	cat := Classify(err)
	c.stats.Record(cat)
	c.logger.Warn("backend call failed", "operation", op, "category", string(cat), "error", err)
}

func (c *Client) enqueue(kind recovery.Kind, payload any) {
	if c.queue == nil {
		return
	}
	op, err := recovery.NewOperation(kind, payload)
	if err != nil {
		c.logger.Error("could not queue failed operation", "kind", kind, "error", err)
		return
	}
	c.queue.Enqueue(op)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
