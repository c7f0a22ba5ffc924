package bedrock

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"calculator", "calculator"},
		{"weather:forecast", "weather_forecast"},
		{"kb.search", "kb_search"},
		{"srv-1:get_time", "srv-1_get_time"},
		{"crème brûlée", "cr_me_br_l_e"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, sanitizeToolName(tc.in), "input %q", tc.in)
	}
}

func TestSanitizeToolNameTruncatesLongNames(t *testing.T) {
	long := "server:" + strings.Repeat("tool_segment_", 10)
	got := sanitizeToolName(long)
	require.LessOrEqual(t, len(got), maxProviderNameLen)
	require.Equal(t, got, sanitizeToolName(long))

	other := long + "x"
	require.NotEqual(t, got, sanitizeToolName(other))
}

func TestToolUseIDsPassThroughSafeIDs(t *testing.T) {
	ids := newToolUseIDs()
	require.Equal(t, "call_1", ids.lookup("call_1"))
	require.Equal(t, "toolu_01AbC", ids.lookup("toolu_01AbC"))

	mapped := ids.lookup("run/1:call")
	require.Equal(t, "tooluse_1", mapped)
	require.Equal(t, mapped, ids.lookup("run/1:call"))
	require.Equal(t, "tooluse_2", ids.lookup("other/id"))
}
