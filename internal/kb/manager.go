// Package kb manages knowledge-base entries: plain CRUD at the bottom, and
// on top of it the auto-context write path that adds duplicate rejection,
// embedding generation, and best-effort remote sync.
package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kalambet/kbase/internal/storage"
	"github.com/kalambet/kbase/internal/vector"
)

// VectorIntegration is the slice of the vector facade the manager needs.
// A nil integration turns every auto-context method into plain CRUD.
type VectorIntegration interface {
	Enabled() bool
	SearchSimilarContent(ctx context.Context, query string) *vector.AutoResponse
	GenerateEmbedding(ctx context.Context, question, answer string) []float64
	SyncOnAdd(ctx context.Context, id int64, question, answer string)
	SyncOnUpdate(ctx context.Context, id int64, question, answer string)
	SyncOnDelete(ctx context.Context, id int64)
}

// DuplicateError rejects a write because an existing entry is too similar.
type DuplicateError struct {
	ID       int64
	Question string
	Score    float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of entry %d (%q, similarity %.2f)", e.ID, e.Question, e.Score)
}

// Manager owns knowledge-base writes and reads.
type Manager struct {
	store  *storage.Store
	vec    VectorIntegration
	logger *slog.Logger
}

// NewManager builds a manager. vec may be nil for a vector-agnostic manager
// (used by administrative and bulk tooling).
func NewManager(store *storage.Store, vec VectorIntegration, logger *slog.Logger) *Manager {
	return &Manager{store: store, vec: vec, logger: logger}
}

// --- plain CRUD, no automation ---

// Add inserts an entry as given, with no duplicate check, embedding, or sync.
func (m *Manager) Add(entry storage.KBEntry) (int64, error) {
	id, err := m.store.InsertEntry(entry)
	if err != nil {
		return 0, fmt.Errorf("storing entry: %w", err)
	}
	return id, nil
}

// Update replaces an entry as given. Returns false with a nil error when the
// entry does not exist.
func (m *Manager) Update(id int64, entry storage.KBEntry) (bool, error) {
	err := m.store.UpdateEntry(id, entry)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating entry: %w", err)
	}
	return true, nil
}

// Delete removes an entry. Returns false with a nil error when the entry
// does not exist.
func (m *Manager) Delete(id int64) (bool, error) {
	err := m.store.DeleteEntry(id)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting entry: %w", err)
	}
	return true, nil
}

// Get returns an entry, or nil when it does not exist.
func (m *Manager) Get(id int64) (*storage.KBEntry, error) {
	entry, err := m.store.GetEntry(id)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading entry: %w", err)
	}
	return &entry, nil
}

// List returns entries, newest first. Empty category matches all.
func (m *Manager) List(category string, limit int) ([]storage.KBEntry, error) {
	return m.store.ListEntries(category, limit)
}

// --- auto-context writes ---

// AddWithEmbedding inserts an entry after checking it is not a near-duplicate
// of an existing one. The persisted context field holds the JSON-encoded
// embedding (or an empty string when embedding is unavailable); the remote
// index is synced afterwards, best-effort.
func (m *Manager) AddWithEmbedding(ctx context.Context, category, question, answer string) (int64, error) {
	if err := m.checkDuplicate(ctx, question, 0); err != nil {
		return 0, err
	}

	entry := storage.KBEntry{
		Category: category,
		Question: question,
		Context:  m.embeddingContext(ctx, question, answer),
		Answer:   answer,
	}
	id, err := m.store.InsertEntry(entry)
	if err != nil {
		return 0, fmt.Errorf("storing entry: %w", err)
	}

	if m.vec != nil && m.vec.Enabled() {
		m.vec.SyncOnAdd(ctx, id, question, answer)
	}
	return id, nil
}

// UpdateWithEmbedding replaces an entry with duplicate checking (ignoring a
// match against the entry itself), fresh embedding, and remote sync.
// Returns false with a nil error when the entry does not exist.
func (m *Manager) UpdateWithEmbedding(ctx context.Context, id int64, category, question, answer string) (bool, error) {
	if err := m.checkDuplicate(ctx, question, id); err != nil {
		return false, err
	}

	entry := storage.KBEntry{
		Category: category,
		Question: question,
		Context:  m.embeddingContext(ctx, question, answer),
		Answer:   answer,
	}
	err := m.store.UpdateEntry(id, entry)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating entry: %w", err)
	}

	if m.vec != nil && m.vec.Enabled() {
		m.vec.SyncOnUpdate(ctx, id, question, answer)
	}
	return true, nil
}

// DeleteWithSync removes an entry and, on success, removes it from the
// remote index. Deletes are not duplicate-checked.
func (m *Manager) DeleteWithSync(ctx context.Context, id int64) (bool, error) {
	ok, err := m.Delete(id)
	if err != nil || !ok {
		return ok, err
	}
	if m.vec != nil && m.vec.Enabled() {
		m.vec.SyncOnDelete(ctx, id)
	}
	return true, nil
}

// checkDuplicate fails with DuplicateError when an existing entry (other
// than selfID) is too similar to the question. Absent or unusable vector
// integration means no duplicate.
func (m *Manager) checkDuplicate(ctx context.Context, question string, selfID int64) error {
	if m.vec == nil || !m.vec.Enabled() {
		return nil
	}
	match := m.vec.SearchSimilarContent(ctx, question)
	if match == nil || match.KBID == selfID {
		return nil
	}

	dup := &DuplicateError{ID: match.KBID, Score: match.Score}
	if existing, err := m.store.GetEntry(match.KBID); err == nil {
		dup.Question = existing.Question
	}
	return dup
}

// embeddingContext returns the JSON-encoded embedding for the entry, or an
// empty string when embedding is unavailable or fails.
func (m *Manager) embeddingContext(ctx context.Context, question, answer string) string {
	if m.vec == nil || !m.vec.Enabled() {
		return ""
	}
	embedding := m.vec.GenerateEmbedding(ctx, question, answer)
	if len(embedding) == 0 {
		return ""
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		m.logger.Warn("could not encode embedding", "error", err)
		return ""
	}
	return string(data)
}
