package inmem

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/model"
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

func TestAgentStoreSaveGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewAgentStore()

	rec := store.NewAgentRecord("user-1", testConfig("support"))
	require.NoError(t, s.Save(ctx, rec))
	require.False(t, rec.CreatedAt.IsZero())
	require.False(t, rec.UpdatedAt.IsZero())
	created := rec.CreatedAt

	got, err := s.Get(ctx, "support")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, agent.KindLLM, got.Kind)
	require.True(t, got.IsActive)

	// Mutating a loaded record must not reach the stored snapshot.
	got.Config.LLM.Model = "other"
	again, err := s.Get(ctx, "support")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", again.Config.LLM.Model)

	// Re-saving preserves CreatedAt.
	rec.Config.Name = "Support Desk"
	require.NoError(t, s.Save(ctx, rec))
	require.Equal(t, created, rec.CreatedAt)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentStoreList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewAgentStore()
	require.NoError(t, s.Save(ctx, store.NewAgentRecord("user-1", testConfig("zulu"))))
	require.NoError(t, s.Save(ctx, store.NewAgentRecord("user-1", testConfig("alpha"))))
	require.NoError(t, s.Save(ctx, store.NewAgentRecord("user-2", testConfig("midway"))))

	mine, err := s.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, "alpha", mine[0].ID)
	require.Equal(t, "zulu", mine[1].ID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"alpha", "midway", "zulu"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestAgentStoreDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewAgentStore()
	require.NoError(t, s.Save(ctx, store.NewAgentRecord("user-1", testConfig("gone"))))
	require.NoError(t, s.Delete(ctx, "gone"))
	_, err := s.Get(ctx, "gone")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "gone"), store.ErrNotFound)
}

func TestServerStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewServerStore()

	rec := &store.MCPServerRecord{
		ID:        "srv_abc",
		UserID:    "user-1",
		Name:      "Calendar",
		Template:  "google-calendar",
		URL:       "https://mcp.example.com",
		SecretRef: "cal-key",
		Headers:   map[string]string{"Authorization": "Bearer ${secret}"},
	}
	require.NoError(t, s.Save(ctx, rec))
	require.Equal(t, store.ServerDisconnected, rec.Status)
	require.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, s.UpdateStatus(ctx, "srv_abc", store.ServerError, "connection refused"))
	got, err := s.Get(ctx, "srv_abc")
	require.NoError(t, err)
	require.Equal(t, store.ServerError, got.Status)
	require.Equal(t, "connection refused", got.ErrorMessage)
	require.True(t, got.LastUsedAt.IsZero())

	require.NoError(t, s.UpdateStatus(ctx, "srv_abc", store.ServerActive, ""))
	require.NoError(t, s.Touch(ctx, "srv_abc"))
	got, err = s.Get(ctx, "srv_abc")
	require.NoError(t, err)
	require.Equal(t, store.ServerActive, got.Status)
	require.Empty(t, got.ErrorMessage)
	require.False(t, got.LastUsedAt.IsZero())

	// Header templates stay templates in storage.
	got.Headers["Authorization"] = "Bearer leaked"
	again, err := s.Get(ctx, "srv_abc")
	require.NoError(t, err)
	require.Equal(t, "Bearer ${secret}", again.Headers["Authorization"])

	require.ErrorIs(t, s.UpdateStatus(ctx, "missing", store.ServerActive, ""), store.ErrNotFound)
	require.ErrorIs(t, s.Touch(ctx, "missing"), store.ErrNotFound)
}

func TestServerStoreListOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewServerStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"srv_c", "srv_a", "srv_b"} {
		require.NoError(t, s.Save(ctx, &store.MCPServerRecord{
			ID:        id,
			UserID:    "user-1",
			Name:      id,
			URL:       "https://mcp.example.com/" + id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"srv_c", "srv_a", "srv_b"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestConversationCreateDefaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewConversationStore()

	rec := &store.ConversationRecord{ID: "c1", UserID: "user-1", AgentID: "support"}
	require.NoError(t, s.Create(ctx, rec))
	require.Equal(t, store.DefaultTitle, rec.Title)
	require.True(t, rec.IsAutoTitle)
	require.Zero(t, rec.MessageCount)

	require.ErrorContains(t, s.Create(ctx, rec), "already exists")

	named := &store.ConversationRecord{ID: "c2", UserID: "user-1", AgentID: "support", Title: "Billing question"}
	require.NoError(t, s.Create(ctx, named))
	require.Equal(t, "Billing question", named.Title)
	require.False(t, named.IsAutoTitle)
}

func TestConversationAppendMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewConversationStore()
	require.NoError(t, s.Create(ctx, &store.ConversationRecord{ID: "c1", UserID: "user-1", AgentID: "support"}))

	long := strings.Repeat("q", 120)
	require.NoError(t, s.AppendMessage(ctx, &store.MessageRecord{
		ID:             "m1",
		ConversationID: "c1",
		Role:           model.RoleUser,
		Content:        long,
		Metadata:       map[string]any{"source": "web"},
	}))

	conv, err := s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, conv.MessageCount)
	require.Equal(t, strings.Repeat("q", 100)+"...", conv.LastMessagePreview)
	require.False(t, conv.LastMessageAt.IsZero())
	require.Len(t, conv.Messages, 1)
	require.Equal(t, model.RoleUser, conv.Messages[0].Role)
	require.Equal(t, "web", conv.Messages[0].Metadata["source"])

	err = s.AppendMessage(ctx, &store.MessageRecord{ID: "m2", ConversationID: "nope", Role: model.RoleUser, Content: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConversationGetMessageLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewConversationStore()
	require.NoError(t, s.Create(ctx, &store.ConversationRecord{ID: "c1", UserID: "user-1", AgentID: "support"}))
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, s.AppendMessage(ctx, &store.MessageRecord{
			ID:             id,
			ConversationID: "c1",
			Role:           model.RoleUser,
			Content:        id,
		}))
	}

	conv, err := s.Get(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "m4", conv.Messages[0].ID)
	require.Equal(t, "m5", conv.Messages[1].ID)

	conv, err = s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 5)
	require.Equal(t, 5, conv.MessageCount)
}

func TestConversationListPagesByRecency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewConversationStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := func(id string, updated time.Time, archived bool) {
		s.records[id] = store.ConversationRecord{
			ID: id, UserID: "user-1", AgentID: "support",
			Title: store.DefaultTitle, IsArchived: archived, UpdatedAt: updated,
		}
	}
	seed("c1", base.Add(1*time.Minute), false)
	seed("c2", base.Add(3*time.Minute), false)
	seed("c3", base.Add(2*time.Minute), true)
	seed("c4", base.Add(4*time.Minute), false)
	s.records["other"] = store.ConversationRecord{ID: "other", UserID: "user-2", AgentID: "support", UpdatedAt: base}

	got, err := s.List(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"c4", "c2", "c1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	page, err := s.List(ctx, "user-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "c2", page[0].ID)

	empty, err := s.List(ctx, "user-1", 10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestConversationTitleArchiveDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewConversationStore()
	require.NoError(t, s.Create(ctx, &store.ConversationRecord{ID: "c1", UserID: "user-1", AgentID: "support"}))

	require.NoError(t, s.UpdateTitle(ctx, "c1", "Refund for order 4521", true))
	conv, err := s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, "Refund for order 4521", conv.Title)
	require.True(t, conv.IsAutoTitle)

	require.NoError(t, s.Archive(ctx, "c1"))
	listed, err := s.List(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	require.Empty(t, listed)
	conv, err = s.Get(ctx, "c1", 0)
	require.NoError(t, err)
	require.True(t, conv.IsArchived)

	require.NoError(t, s.AppendMessage(ctx, &store.MessageRecord{ID: "m1", ConversationID: "c1", Role: model.RoleUser, Content: "x"}))
	require.NoError(t, s.Delete(ctx, "c1"))
	_, err = s.Get(ctx, "c1", 0)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "c1"), store.ErrNotFound)
	require.Empty(t, s.messages["c1"])
}

func TestStaticSecrets(t *testing.T) {
	t.Parallel()

	secrets := StaticSecrets{"cal-key": "tok123"}
	v, err := secrets.Get(context.Background(), "cal-key")
	require.NoError(t, err)
	require.Equal(t, "tok123", v)

	_, err = secrets.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrSecretNotFound)
}
