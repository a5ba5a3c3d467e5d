// Package vector talks to the external embedding/similarity backend and
// decides when that feature is usable at all.
package vector

// Confidence buckets a similarity score for downstream consumers.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // score >= 0.9
	ConfidenceMedium Confidence = "medium" // score >= 0.75
	ConfidenceLow    Confidence = "low"
)

func confidenceFor(score float64) Confidence {
	switch {
	case score >= 0.9:
		return ConfidenceHigh
	case score >= 0.75:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// MutationResult is the outcome of an add/update/delete against the backend.
// Failed calls resolve to Success=false, never to an error.
type MutationResult struct {
	Success bool
	Message string
}

// SearchResult is the outcome of a similarity search.
type SearchResult struct {
	Success         bool
	MatchFound      bool
	SimilarityScore float64
	KBID            int64
	Answer          string
	Message         string
}

// HealthStatus reports backend liveness. Status is "healthy" or "unhealthy".
type HealthStatus struct {
	Status  string
	Message string
}

// Healthy reports whether the backend answered the liveness probe.
func (h HealthStatus) Healthy() bool { return h.Status == "healthy" }

// AutoResponse is a similarity match that cleared the configured threshold.
type AutoResponse struct {
	KBID       int64
	Answer     string
	Score      float64
	Confidence Confidence
}

// Wire types for the backend's JSON contract.

type mutateRequest struct {
	ID        int64  `json:"id"`
	InputText string `json:"input_text"`
	Answer    string `json:"answer"`
}

type deleteRequest struct {
	ID int64 `json:"id"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type embedRequest struct {
	Text string `json:"text"`
}

type mutateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type searchResponse struct {
	Success         bool    `json:"success"`
	MatchFound      bool    `json:"match_found"`
	SimilarityScore float64 `json:"similarity_score"`
	KBID            int64   `json:"kb_id"`
	Answer          string  `json:"answer"`
	Message         string  `json:"message"`
}

type embedResponse struct {
	Success   bool      `json:"success"`
	Embedding []float64 `json:"embedding"`
	Message   string    `json:"message"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
