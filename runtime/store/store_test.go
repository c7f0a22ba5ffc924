package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/runtime/agent"
)

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "",
			want:  DefaultTitle,
		},
		{
			name:  "whitespace_only",
			input: " \n\t ",
			want:  DefaultTitle,
		},
		{
			name:  "short_verbatim",
			input: "Hello there",
			want:  "Hello there",
		},
		{
			name:  "exactly_fifty_verbatim",
			input: strings.Repeat("a", 50),
			want:  strings.Repeat("a", 50),
		},
		{
			name:  "collapses_whitespace",
			input: "hello\n\n  world\t!",
			want:  "hello world !",
		},
		{
			name:  "breaks_at_last_word_boundary",
			input: "What is the weather forecast for Amsterdam this weekend please",
			want:  "What is the weather forecast for Amsterdam this...",
		},
		{
			name:  "hard_cut_without_spaces",
			input: strings.Repeat("a", 51),
			want:  strings.Repeat("a", 50) + "...",
		},
		{
			name:  "early_space_does_not_break",
			input: "Short intro " + strings.Repeat("x", 60),
			want:  "Short intro " + strings.Repeat("x", 38) + "...",
		},
		{
			name:  "boundary_at_thirty_is_not_enough",
			input: strings.Repeat("a", 30) + " " + strings.Repeat("b", 30),
			want:  strings.Repeat("a", 30) + " " + strings.Repeat("b", 19) + "...",
		},
		{
			name:  "counts_runes_not_bytes",
			input: strings.Repeat("日", 60),
			want:  strings.Repeat("日", 50) + "...",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, DeriveTitle(tc.input))
		})
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Preview("short", PreviewMax))
	require.Equal(t, "a b", Preview("a\nb", PreviewMax))
	require.Equal(t, strings.Repeat("x", 100)+"...", Preview(strings.Repeat("x", 120), PreviewMax))
}

func TestNewAgentRecord(t *testing.T) {
	t.Parallel()

	cfg := agent.Config{ID: "support", Name: "Support", Kind: agent.KindLLM}
	rec := NewAgentRecord("user-1", cfg)
	require.Equal(t, "support", rec.ID)
	require.Equal(t, "user-1", rec.UserID)
	require.Equal(t, agent.KindLLM, rec.Kind)
	require.True(t, rec.IsActive)
	require.Equal(t, cfg, rec.Config)
}

type mapSecrets map[string]string

func (m mapSecrets) Get(_ context.Context, ref string) (string, error) {
	v, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

func TestResolveHeaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{ID: "srv"}
		got, err := rec.ResolveHeaders(ctx, nil)
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("passthrough_needs_no_store", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{ID: "srv", Headers: map[string]string{"X-Client": "ensemble"}}
		got, err := rec.ResolveHeaders(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"X-Client": "ensemble"}, got)
	})

	t.Run("secret_and_oauth", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{
			ID:            "srv",
			SecretRef:     "cal-key",
			OAuthTokenRef: "cal-oauth",
			Headers: map[string]string{
				"Authorization": "Bearer ${secret}",
				"X-OAuth":       "${oauth_token}",
				"X-Client":      "ensemble",
			},
		}
		got, err := rec.ResolveHeaders(ctx, mapSecrets{"cal-key": "tok123", "cal-oauth": "oauth456"})
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			"Authorization": "Bearer tok123",
			"X-OAuth":       "oauth456",
			"X-Client":      "ensemble",
		}, got)
	})

	t.Run("placeholder_without_ref", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{ID: "srv", Headers: map[string]string{"Authorization": "Bearer ${secret}"}}
		_, err := rec.ResolveHeaders(ctx, mapSecrets{})
		require.ErrorContains(t, err, "secret_ref")
	})

	t.Run("unresolved_reference", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{ID: "srv", SecretRef: "missing", Headers: map[string]string{"Authorization": "${secret}"}}
		_, err := rec.ResolveHeaders(ctx, mapSecrets{})
		require.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("placeholder_without_store", func(t *testing.T) {
		t.Parallel()
		rec := &MCPServerRecord{ID: "srv", SecretRef: "cal-key", Headers: map[string]string{"Authorization": "${secret}"}}
		_, err := rec.ResolveHeaders(ctx, nil)
		require.ErrorContains(t, err, "no secret store")
	})
}
