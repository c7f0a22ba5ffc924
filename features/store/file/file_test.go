package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/store"
)

func testConfig(id string) agent.Config {
	return agent.Config{
		ID:   id,
		Name: strings.ToUpper(id),
		Kind: agent.KindLLM,
		LLM:  &agent.LLMBinding{Provider: "openai", Model: "gpt-4o"},
	}
}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := New(Options{Root: t.TempDir()})
	require.NoError(t, err)
	return r
}

func TestSaveGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRepo(t)

	rec := store.NewAgentRecord("user-1", testConfig("support"))
	require.NoError(t, r.Save(ctx, rec))
	require.False(t, rec.CreatedAt.IsZero())
	created := rec.CreatedAt

	got, err := r.Get(ctx, "support")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, agent.KindLLM, got.Kind)
	require.Equal(t, "gpt-4o", got.Config.LLM.Model)
	require.True(t, got.IsActive)

	// Re-saving preserves CreatedAt even when the caller record lost it.
	rec.CreatedAt = created
	rec.Config.Name = "Support Desk"
	require.NoError(t, r.Save(ctx, rec))
	require.Equal(t, created, rec.CreatedAt)

	again, err := r.Get(ctx, "support")
	require.NoError(t, err)
	require.Equal(t, "Support Desk", again.Config.Name)
	require.Equal(t, created, again.CreatedAt)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	_, err := r.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOrdersAndFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Save(ctx, store.NewAgentRecord("user-1", testConfig("zulu"))))
	require.NoError(t, r.Save(ctx, store.NewAgentRecord("user-1", testConfig("alpha"))))
	require.NoError(t, r.Save(ctx, store.NewAgentRecord("user-2", testConfig("midway"))))

	mine, err := r.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "alpha", mine[0].ID)
	require.Equal(t, "zulu", mine[1].ID)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestListSkipsCorruptDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Save(ctx, store.NewAgentRecord("", testConfig("good"))))
	require.NoError(t, os.WriteFile(filepath.Join(r.root, "bad.yaml"), []byte("{not yaml"), 0o644))

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "good", all[0].ID)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Save(ctx, store.NewAgentRecord("", testConfig("gone"))))
	require.NoError(t, r.Delete(ctx, "gone"))
	require.ErrorIs(t, r.Delete(ctx, "gone"), store.ErrNotFound)
	_, err := r.Get(ctx, "gone")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidIDsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRepo(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := r.Get(ctx, id)
		require.Error(t, err, id)
	}
}
