package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		desc Descriptor
		want string
	}{
		{
			name: "missing name",
			desc: Descriptor{Handler: echoHandler},
			want: "tool name is required",
		},
		{
			name: "invalid characters",
			desc: Descriptor{Name: "web search", Handler: echoHandler},
			want: "invalid characters",
		},
		{
			name: "missing handler",
			desc: Descriptor{Name: "search"},
			want: "handler is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := NewRegistry().Register(tc.desc)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRegisterSanitizedCollision(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "srv:fetch", Handler: echoHandler}))
	err := r.Register(Descriptor{Name: "srv__fetch", Handler: echoHandler})
	require.Error(t, err)
	require.Contains(t, err.Error(), "collides")
}

func TestRegistryRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "weather", Description: "weather lookup", Handler: echoHandler}))

	d, ok := r.Lookup("weather")
	require.True(t, ok)
	require.Equal(t, "weather lookup", d.Description)
	require.Equal(t, SourceBuiltin, d.Source)

	require.True(t, r.Unregister("weather"))
	require.False(t, r.Unregister("weather"))
	_, ok = r.Lookup("weather")
	require.False(t, ok)
}

func TestResolveSanitizedName(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "github:create_issue", Handler: echoHandler, Source: SourceMCP}))

	d, ok := r.Resolve("github:create_issue")
	require.True(t, ok)
	require.Equal(t, "github:create_issue", d.Name)

	d, ok = r.Resolve("github__create_issue")
	require.True(t, ok)
	require.Equal(t, "github:create_issue", d.Name)

	_, ok = r.Resolve("github__delete_issue")
	require.False(t, ok)
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Descriptor{Name: name, Handler: echoHandler}))
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestDefinitionsSchemaShape(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name:        "srv:query",
		Description: "run a query",
		Handler:     echoHandler,
		Parameters: []Parameter{
			{Name: "q", Type: "string", Description: "query text", Required: true},
			{Name: "limit", Type: "number", Default: float64(10)},
			{Name: "tags", Type: "array"},
			{Name: "mode", Enum: []any{"fast", "deep"}},
		},
	}))

	defs := r.Definitions("srv:query")
	require.Len(t, defs, 1)
	def := defs[0]
	require.Equal(t, "srv__query", def.Name)
	require.Equal(t, "run a query", def.Description)
	require.Equal(t, "object", def.InputSchema["type"])

	props, ok := def.InputSchema["properties"].(map[string]any)
	require.True(t, ok)

	q := props["q"].(map[string]any)
	require.Equal(t, "string", q["type"])
	require.Equal(t, "query text", q["description"])

	limit := props["limit"].(map[string]any)
	require.Equal(t, float64(10), limit["default"])

	tags := props["tags"].(map[string]any)
	require.Equal(t, "array", tags["type"])
	require.Equal(t, map[string]any{"type": "string"}, tags["items"])

	mode := props["mode"].(map[string]any)
	// Untyped parameters default to string.
	require.Equal(t, "string", mode["type"])
	require.Equal(t, []any{"fast", "deep"}, mode["enum"])

	require.Equal(t, []string{"q"}, def.InputSchema["required"])
}

func TestDefinitionsSkipsUnknownAndDefaultsToAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "a", Handler: echoHandler}))
	require.NoError(t, r.Register(Descriptor{Name: "b", Handler: echoHandler}))

	defs := r.Definitions("a", "missing")
	require.Len(t, defs, 1)
	require.Equal(t, "a", defs[0].Name)

	defs = r.Definitions()
	require.Len(t, defs, 2)
	require.Equal(t, "a", defs[0].Name)
	require.Equal(t, "b", defs[1].Name)
}

func TestExecute(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name: "add",
		Parameters: []Parameter{
			{Name: "x", Type: "number", Required: true},
			{Name: "y", Type: "number", Default: float64(1)},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["x"].(float64) + args["y"].(float64), nil
		},
	}))
	require.NoError(t, r.Register(Descriptor{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("exploded")
		},
	}))

	t.Run("success with default applied", func(t *testing.T) {
		t.Parallel()
		res, err := r.Execute(context.Background(), "add", map[string]any{"x": float64(2)})
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, float64(3), res.Output)
	})

	t.Run("missing required argument fails the result", func(t *testing.T) {
		t.Parallel()
		res, err := r.Execute(context.Background(), "add", nil)
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Contains(t, res.Error, "invalid arguments")
	})

	t.Run("wrong argument type fails the result", func(t *testing.T) {
		t.Parallel()
		res, err := r.Execute(context.Background(), "add", map[string]any{"x": "two"})
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Contains(t, res.Error, "invalid arguments")
	})

	t.Run("handler error fails the result", func(t *testing.T) {
		t.Parallel()
		res, err := r.Execute(context.Background(), "boom", nil)
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Equal(t, "exploded", res.Error)
	})

	t.Run("unknown tool returns ErrUnknownTool", func(t *testing.T) {
		t.Parallel()
		_, err := r.Execute(context.Background(), "nope", nil)
		require.ErrorIs(t, err, ErrUnknownTool)
	})
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	require.Equal(t, "srv__tool", Sanitize("srv:tool"))
	require.Equal(t, "plain", Sanitize("plain"))
	require.Equal(t, "a__b__c", Sanitize("a:b:c"))
}

func TestPrefixHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "agent:billing", AgentTool("billing"))
	id, ok := AgentID("agent:billing")
	require.True(t, ok)
	require.Equal(t, "billing", id)
	_, ok = AgentID("agent:")
	require.False(t, ok)
	require.True(t, IsAgentTool("agent:x"))
	require.False(t, IsAgentTool("mcp:x:y"))

	tmpl, tool, ok := SplitMCPTemplate("mcp:github:create_issue")
	require.True(t, ok)
	require.Equal(t, "github", tmpl)
	require.Equal(t, "create_issue", tool)
	_, _, ok = SplitMCPTemplate("mcp:github")
	require.False(t, ok)
	_, _, ok = SplitMCPTemplate("github:create_issue")
	require.False(t, ok)

	srv, tool, ok := SplitServerTool("srv-1:fetch")
	require.True(t, ok)
	require.Equal(t, "srv-1", srv)
	require.Equal(t, "fetch", tool)
	_, _, ok = SplitServerTool("plain")
	require.False(t, ok)
}
