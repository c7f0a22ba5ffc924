package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMergeOptions(t *testing.T) {
	t.Parallel()
	defaults := ActivityOptions{
		Queue:   "agents",
		Timeout: 30 * time.Second,
		Retry:   &RetryPolicy{MaxAttempts: 3},
	}

	require.Equal(t, defaults, MergeOptions(defaults, nil))

	merged := MergeOptions(defaults, &ActivityOptions{Timeout: 5 * time.Second})
	require.Equal(t, "agents", merged.Queue)
	require.Equal(t, 5*time.Second, merged.Timeout)
	require.Equal(t, 3, merged.Retry.MaxAttempts)

	override := &RetryPolicy{MaxAttempts: 1}
	merged = MergeOptions(defaults, &ActivityOptions{Queue: "tools", Retry: override})
	require.Equal(t, "tools", merged.Queue)
	require.Equal(t, 30*time.Second, merged.Timeout)
	require.Same(t, override, merged.Retry)
}

func TestErrorTypeOfUnwraps(t *testing.T) {
	t.Parallel()
	remote := &RemoteError{Type: "tool_execution", Message: "boom"}
	wrapped := fmt.Errorf("call failed: %w", remote)
	require.Equal(t, "tool_execution", ErrorTypeOf(wrapped))
	require.Empty(t, ErrorTypeOf(errors.New("plain")))
	require.Empty(t, ErrorTypeOf(nil))
}
