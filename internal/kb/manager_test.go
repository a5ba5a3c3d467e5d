package kb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/kbase/internal/storage"
	"github.com/kalambet/kbase/internal/vector"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVector is a scriptable VectorIntegration.
type fakeVector struct {
	enabled   bool
	match     *vector.AutoResponse
	embedding []float64

	adds, updates, deletes []int64
}

func (f *fakeVector) Enabled() bool { return f.enabled }

func (f *fakeVector) SearchSimilarContent(_ context.Context, _ string) *vector.AutoResponse {
	return f.match
}

func (f *fakeVector) GenerateEmbedding(_ context.Context, _, _ string) []float64 {
	return f.embedding
}

func (f *fakeVector) SyncOnAdd(_ context.Context, id int64, _, _ string) {
	f.adds = append(f.adds, id)
}

func (f *fakeVector) SyncOnUpdate(_ context.Context, id int64, _, _ string) {
	f.updates = append(f.updates, id)
}

func (f *fakeVector) SyncOnDelete(_ context.Context, id int64) {
	f.deletes = append(f.deletes, id)
}

func newTestManager(t *testing.T, vec VectorIntegration) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, vec, discardLogger()), store
}

func TestPlainCRUD(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, err := m.Add(storage.KBEntry{Category: "billing", Question: "q", Answer: "a"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Question != "q" {
		t.Fatalf("Get = %+v", got)
	}

	ok, err := m.Update(id, storage.KBEntry{Category: "billing", Question: "q2", Answer: "a2"})
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}

	ok, err = m.Delete(id)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
}

func TestNotFoundIsFalseNotError(t *testing.T) {
	m, _ := newTestManager(t, nil)

	if got, err := m.Get(99); err != nil || got != nil {
		t.Errorf("Get(99) = %v, %v; want nil, nil", got, err)
	}
	if ok, err := m.Update(99, storage.KBEntry{}); err != nil || ok {
		t.Errorf("Update(99) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := m.Delete(99); err != nil || ok {
		t.Errorf("Delete(99) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := m.UpdateWithEmbedding(context.Background(), 99, "c", "q", "a"); err != nil || ok {
		t.Errorf("UpdateWithEmbedding(99) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := m.DeleteWithSync(context.Background(), 99); err != nil || ok {
		t.Errorf("DeleteWithSync(99) = %v, %v; want false, nil", ok, err)
	}
}

func TestAddWithEmbeddingStoresContext(t *testing.T) {
	vec := &fakeVector{enabled: true, embedding: []float64{0.1, 0.2}}
	m, _ := newTestManager(t, vec)

	id, err := m.AddWithEmbedding(context.Background(), "billing", "how do refunds work", "like this")
	if err != nil {
		t.Fatalf("AddWithEmbedding failed: %v", err)
	}

	got, err := m.Get(id)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.Context != "[0.1,0.2]" {
		t.Errorf("Context = %q, want JSON embedding", got.Context)
	}
	if len(vec.adds) != 1 || vec.adds[0] != id {
		t.Errorf("SyncOnAdd calls = %v, want [%d]", vec.adds, id)
	}
}

func TestAddWithEmbeddingNoVector(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id, err := m.AddWithEmbedding(context.Background(), "c", "q", "a")
	if err != nil {
		t.Fatalf("AddWithEmbedding failed: %v", err)
	}
	got, _ := m.Get(id)
	if got.Context != "" {
		t.Errorf("Context = %q, want empty without vector integration", got.Context)
	}
}

func TestAddWithEmbeddingEmbeddingFailure(t *testing.T) {
	// Embedding returns nothing; the write must still succeed with empty context.
	vec := &fakeVector{enabled: true, embedding: nil}
	m, _ := newTestManager(t, vec)

	id, err := m.AddWithEmbedding(context.Background(), "c", "q", "a")
	if err != nil {
		t.Fatalf("AddWithEmbedding failed: %v", err)
	}
	got, _ := m.Get(id)
	if got.Context != "" {
		t.Errorf("Context = %q, want empty on embedding failure", got.Context)
	}
}

func TestDuplicateRejected(t *testing.T) {
	vec := &fakeVector{enabled: true}
	m, store := newTestManager(t, vec)

	existingID, err := store.InsertEntry(storage.KBEntry{Category: "c", Question: "original question", Answer: "a"})
	if err != nil {
		t.Fatal(err)
	}
	vec.match = &vector.AutoResponse{KBID: existingID, Answer: "a", Score: 0.93, Confidence: vector.ConfidenceHigh}

	_, err = m.AddWithEmbedding(context.Background(), "c", "nearly the same question", "a")
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("AddWithEmbedding error = %v, want DuplicateError", err)
	}
	if dup.ID != existingID {
		t.Errorf("DuplicateError.ID = %d, want %d", dup.ID, existingID)
	}
	if dup.Question != "original question" {
		t.Errorf("DuplicateError.Question = %q", dup.Question)
	}
	if !strings.Contains(dup.Error(), "original question") {
		t.Errorf("error message missing conflicting question: %s", dup.Error())
	}

	if len(vec.adds) != 0 {
		t.Error("rejected write was synced to backend")
	}
}

func TestUpdateSelfMatchAllowed(t *testing.T) {
	vec := &fakeVector{enabled: true, embedding: []float64{0.5}}
	m, store := newTestManager(t, vec)

	id, err := store.InsertEntry(storage.KBEntry{Category: "c", Question: "q", Answer: "a"})
	if err != nil {
		t.Fatal(err)
	}
	// Search finds the entry being updated; that is not a conflict.
	vec.match = &vector.AutoResponse{KBID: id, Answer: "a", Score: 0.99, Confidence: vector.ConfidenceHigh}

	ok, err := m.UpdateWithEmbedding(context.Background(), id, "c", "q reworded", "a")
	if err != nil || !ok {
		t.Fatalf("UpdateWithEmbedding = %v, %v; want true, nil", ok, err)
	}
	if len(vec.updates) != 1 {
		t.Errorf("SyncOnUpdate calls = %v", vec.updates)
	}
}

func TestUpdateOtherMatchRejected(t *testing.T) {
	vec := &fakeVector{enabled: true}
	m, store := newTestManager(t, vec)

	id, _ := store.InsertEntry(storage.KBEntry{Category: "c", Question: "q1", Answer: "a"})
	otherID, _ := store.InsertEntry(storage.KBEntry{Category: "c", Question: "q2", Answer: "a"})
	vec.match = &vector.AutoResponse{KBID: otherID, Answer: "a", Score: 0.91, Confidence: vector.ConfidenceHigh}

	_, err := m.UpdateWithEmbedding(context.Background(), id, "c", "q1 now like q2", "a")
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("error = %v, want DuplicateError", err)
	}
	if dup.ID != otherID {
		t.Errorf("DuplicateError.ID = %d, want %d", dup.ID, otherID)
	}
}

func TestDeleteWithSync(t *testing.T) {
	vec := &fakeVector{enabled: true}
	m, store := newTestManager(t, vec)

	id, _ := store.InsertEntry(storage.KBEntry{Category: "c", Question: "q", Answer: "a"})

	ok, err := m.DeleteWithSync(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("DeleteWithSync = %v, %v", ok, err)
	}
	if len(vec.deletes) != 1 || vec.deletes[0] != id {
		t.Errorf("SyncOnDelete calls = %v, want [%d]", vec.deletes, id)
	}
}

func TestDisabledVectorSkipsAutomation(t *testing.T) {
	vec := &fakeVector{enabled: false, embedding: []float64{0.1},
		match: &vector.AutoResponse{KBID: 1, Score: 0.99}}
	m, _ := newTestManager(t, vec)

	id, err := m.AddWithEmbedding(context.Background(), "c", "q", "a")
	if err != nil {
		t.Fatalf("AddWithEmbedding failed with disabled vector: %v", err)
	}
	got, _ := m.Get(id)
	if got.Context != "" {
		t.Errorf("Context = %q, want empty with disabled vector", got.Context)
	}
	if len(vec.adds) != 0 {
		t.Error("disabled vector received sync call")
	}
}
