package vector

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/kbase/internal/config"
)

// Integration is the single place that decides whether the vector feature is
// usable right now. It health-gates every call and owns confidence scoring
// and embedding text composition.
type Integration struct {
	cfg    config.VectorConfig
	client *Client
	logger *slog.Logger
}

func NewIntegration(cfg config.VectorConfig, client *Client, logger *slog.Logger) *Integration {
	return &Integration{cfg: cfg, client: client, logger: logger}
}

// Enabled reports whether the feature is configured on.
func (i *Integration) Enabled() bool { return i.cfg.Enabled }

// Healthy probes the backend. Always safe to call.
func (i *Integration) Healthy(ctx context.Context) bool {
	if !i.cfg.Enabled {
		return false
	}
	return i.client.Health(ctx).Healthy()
}

// SyncOnAdd pushes a new entry to the backend index. Best-effort: the local
// write has already committed, so failures are logged and never returned.
func (i *Integration) SyncOnAdd(ctx context.Context, id int64, question, answer string) {
	i.sync(ctx, "add", id, question, answer, i.client.AddVector)
}

// SyncOnUpdate pushes an updated entry to the backend index. Best-effort.
func (i *Integration) SyncOnUpdate(ctx context.Context, id int64, question, answer string) {
	i.sync(ctx, "update", id, question, answer, i.client.UpdateVector)
}

func (i *Integration) sync(ctx context.Context, op string, id int64, question, answer string,
	fn func(context.Context, int64, string, string) MutationResult) {
	if !i.cfg.Enabled {
		return
	}
	if !i.Healthy(ctx) {
		i.logger.Warn("skipping vector sync, backend unhealthy", "operation", op, "id", id)
		return
	}
	if res := fn(ctx, id, question, answer); !res.Success {
		i.logger.Warn("vector sync failed", "operation", op, "id", id, "message", res.Message)
	}
}

// SyncOnDelete removes an entry from the backend index. Best-effort.
func (i *Integration) SyncOnDelete(ctx context.Context, id int64) {
	if !i.cfg.Enabled {
		return
	}
	if !i.Healthy(ctx) {
		i.logger.Warn("skipping vector sync, backend unhealthy", "operation", "delete", "id", id)
		return
	}
	if res := i.client.DeleteVector(ctx, id); !res.Success {
		i.logger.Warn("vector sync failed", "operation", "delete", "id", id, "message", res.Message)
	}
}

// SearchSimilarContent returns the best match above the configured similarity
// threshold, or nil when disabled, unhealthy, or nothing clears the bar.
func (i *Integration) SearchSimilarContent(ctx context.Context, query string) *AutoResponse {
	if !i.cfg.Enabled || !i.Healthy(ctx) {
		return nil
	}

	res := i.client.Search(ctx, query)
	if !res.Success || !res.MatchFound {
		return nil
	}
	if res.SimilarityScore < i.cfg.SimilarityThreshold {
		i.logger.Debug("similarity match below threshold",
			"score", res.SimilarityScore, "threshold", i.cfg.SimilarityThreshold)
		return nil
	}

	answer := res.Answer
	if i.cfg.MaxResponseLength > 0 && len(answer) > i.cfg.MaxResponseLength {
		answer = answer[:i.cfg.MaxResponseLength]
	}

	return &AutoResponse{
		KBID:       res.KBID,
		Answer:     answer,
		Score:      res.SimilarityScore,
		Confidence: confidenceFor(res.SimilarityScore),
	}
}

// GenerateEmbedding computes an embedding for the combined question/answer
// text. Returns nil when disabled, unhealthy, or the backend call fails.
func (i *Integration) GenerateEmbedding(ctx context.Context, question, answer string) []float64 {
	if !i.cfg.Enabled || !i.Healthy(ctx) {
		return nil
	}

	embedding, err := i.client.Embed(ctx, combineText(question, answer))
	if err != nil {
		i.logger.Warn("embedding generation failed", "error", err)
		return nil
	}
	return embedding
}

// combineText joins two text fields for a single embedding input. The second
// field is appended only when non-empty after trimming.
func combineText(first, second string) string {
	if strings.TrimSpace(second) == "" {
		return first
	}
	return first + "\n" + second
}
