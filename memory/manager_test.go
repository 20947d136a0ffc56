package memory_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/engramdb/engram/embedder/mock"
	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/knowledge"
	"github.com/engramdb/engram/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyIndex wraps a real index and fails mutations on demand.
type flakyIndex struct {
	index.Index
	failUpsert atomic.Bool
	failRemove atomic.Bool
}

func (f *flakyIndex) Upsert(ctx context.Context, rec *knowledge.Record) error {
	if f.failUpsert.Load() {
		return errors.New("index offline")
	}
	return f.Index.Upsert(ctx, rec)
}

func (f *flakyIndex) Remove(ctx context.Context, id string) error {
	if f.failRemove.Load() {
		return errors.New("index offline")
	}
	return f.Index.Remove(ctx, id)
}

func newManager(t *testing.T) (*memory.Manager, *flakyIndex) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	store, err := knowledge.Open(knowledge.Options{InMemory: true, Logger: logger})
	require.NoError(t, err)

	idx, err := index.NewChromem(index.ChromemOptions{
		Embedder: mock.New(),
		Logger:   logger,
	})
	require.NoError(t, err)

	flaky := &flakyIndex{Index: idx}
	mgr, err := memory.NewManager(memory.Options{
		Store:  store,
		Index:  flaky,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mgr.Close()) })

	return mgr, flaky
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestManager_CreateThenFind(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	res, err := mgr.Create(ctx, knowledge.CreateRequest{
		Content:    "user drinks coffee every morning",
		Attributes: map[string]string{"kind": "preference"},
	})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.NotNil(t, res.Record)

	records, matches, err := mgr.FindSimilar(ctx, "morning coffee", 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, matches, 1)
	assert.Equal(t, res.Record.ID, records[0].ID)
	assert.Greater(t, matches[0].Score, 0.0)
}

func TestManager_DegradedCreateKeepsRecord(t *testing.T) {
	mgr, flaky := newManager(t)
	ctx := context.Background()

	flaky.failUpsert.Store(true)
	res, err := mgr.Create(ctx, knowledge.CreateRequest{Content: "user's cat is named Miso"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Diagnostic, "index update failed")

	// Knowledge survived the index outage.
	rec, err := mgr.Load(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "user's cat is named Miso", rec.Content)

	// Repair the index once it is healthy again.
	flaky.failUpsert.Store(false)
	report, err := mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)

	records, _, err := mgr.FindSimilar(ctx, "cat named Miso", 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Record.ID, records[0].ID)
}

func TestManager_UpdateReindexes(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, knowledge.CreateRequest{Content: "user works at a bakery"})
	require.NoError(t, err)

	content := "user works at a bookstore"
	updated, err := mgr.Update(ctx, knowledge.UpdateRequest{
		ID:              created.Record.ID,
		Content:         &content,
		ExpectedVersion: created.Record.Version,
	})
	require.NoError(t, err)
	assert.False(t, updated.Degraded)
	assert.Equal(t, int64(2), updated.Record.Version)

	records, _, err := mgr.FindSimilar(ctx, "bookstore", 5, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "user works at a bookstore", records[0].Content)
}

func TestManager_DeleteDegradesOnIndexFailure(t *testing.T) {
	mgr, flaky := newManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, knowledge.CreateRequest{Content: "user lives in Lisbon"})
	require.NoError(t, err)

	flaky.failRemove.Store(true)
	res, err := mgr.Delete(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	_, err = mgr.Load(ctx, created.Record.ID)
	assert.True(t, knowledge.IsNotFound(err))
}

func TestManager_FindSimilarDropsOrphanedMatches(t *testing.T) {
	mgr, flaky := newManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, knowledge.CreateRequest{Content: "user prefers aisle seats"})
	require.NoError(t, err)

	// Delete the record while the index entry lingers.
	flaky.failRemove.Store(true)
	_, err = mgr.Delete(ctx, created.Record.ID)
	require.NoError(t, err)
	flaky.failRemove.Store(false)

	records, matches, err := mgr.FindSimilar(ctx, "aisle seats", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, matches)
}

// TestManager_DualStoreInvariantUnderRandomOps drives a random sequence of
// creates, updates, and deletes and checks after every operation that the
// index and the record store hold exactly the same ids.
func TestManager_DualStoreInvariantUnderRandomOps(t *testing.T) {
	mgr, flaky := newManager(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	words := []string{"coffee", "tea", "bakery", "lisbon", "cat", "aisle", "morning", "walk"}
	live := map[string]bool{}
	var ids []string

	checkInvariant := func() {
		t.Helper()
		// The raw index returns every entry when asked for at least as many
		// matches as it holds.
		matches, err := flaky.Index.FindSimilar(ctx, "probe", len(live)+8, nil)
		require.NoError(t, err)
		require.Len(t, matches, len(live))
		for _, m := range matches {
			require.True(t, live[m.ID])
			_, err := mgr.Load(ctx, m.ID)
			require.NoError(t, err)
		}
	}

	pick := func() string { return ids[rng.Intn(len(ids))] }

	for i := 0; i < 60; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(ids) == 0:
			content := fmt.Sprintf("user mentions %s %s %d",
				words[rng.Intn(len(words))], words[rng.Intn(len(words))], i)
			res, err := mgr.Create(ctx, knowledge.CreateRequest{Content: content})
			require.NoError(t, err)
			require.False(t, res.Degraded)
			live[res.Record.ID] = true
			ids = append(ids, res.Record.ID)

		case op == 1:
			id := pick()
			if !live[id] {
				continue
			}
			current, err := mgr.Load(ctx, id)
			require.NoError(t, err)
			content := current.Content + " again"
			res, err := mgr.Update(ctx, knowledge.UpdateRequest{
				ID:              id,
				Content:         &content,
				ExpectedVersion: current.Version,
			})
			require.NoError(t, err)
			require.False(t, res.Degraded)

		default:
			id := pick()
			if !live[id] {
				continue
			}
			res, err := mgr.Delete(ctx, id)
			require.NoError(t, err)
			require.False(t, res.Degraded)
			delete(live, id)
		}

		checkInvariant()
	}
}

func TestManager_ConcurrentReconcileCoalesces(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	for _, content := range []string{"fact one", "fact two", "fact three"} {
		_, err := mgr.Create(ctx, knowledge.CreateRequest{Content: content})
		require.NoError(t, err)
	}

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := mgr.Reconcile(ctx)
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}
