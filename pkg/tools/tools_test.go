package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	lookup := func(name string) string {
		return map[string]string{"city": "beijing", "unit": "c"}[name]
	}

	assert.Equal(t, "weather in beijing (c)",
		renderTemplate("weather in {{city}} ({{unit}})", lookup))
	assert.Equal(t, "beijing", renderTemplate("{{ city }}", lookup))
	assert.Equal(t, "no placeholders", renderTemplate("no placeholders", lookup))
	assert.Equal(t, "dangling {{city", renderTemplate("dangling {{city", lookup))
	assert.Equal(t, "", renderTemplate("{{missing}}", lookup))
}

func TestRequestTemplateValidate(t *testing.T) {
	valid := RequestTemplate{Method: "get", URLTemplate: "https://api.example.com/{{path}}"}
	assert.NoError(t, valid.Validate())

	cases := []RequestTemplate{
		{Method: "TRACE", URLTemplate: "https://api.example.com"},
		{Method: "GET"},
		{Method: "GET", URLTemplate: "ftp://example.com/{{x}}"},
		{Method: "GET", URLTemplate: "not a url"},
	}
	for _, tc := range cases {
		assert.Error(t, tc.Validate())
	}
}

func TestTemporaryToolExecute(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp": 21}`))
	}))
	defer server.Close()

	tool, err := NewTemporaryTool("weather", "look up weather",
		[]ToolParameter{
			{Name: "city", Type: "string", Required: true},
			{Name: "token", Type: "string", Required: true},
		},
		RequestTemplate{
			Method:       "POST",
			URLTemplate:  server.URL + "/v1/weather?city={{city}}",
			Headers:      map[string]string{"Authorization": "Bearer {{token}}"},
			BodyTemplate: `{"city": "{{city}}"}`,
		})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{
		"city":  "san jose",
		"token": "secret",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "/v1/weather?city=san+jose", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.JSONEq(t, `{"city": "san jose"}`, gotBody)
	assert.Equal(t, map[string]any{"temp": float64(21)}, result.Output)
}

func TestTemporaryToolMissingRequiredParam(t *testing.T) {
	tool, err := NewTemporaryTool("weather", "",
		[]ToolParameter{{Name: "city", Required: true}},
		RequestTemplate{Method: "GET", URLTemplate: "https://example.com/{{city}}"})
	require.NoError(t, err)

	result, err := tool.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "city")
}

func TestCalculator(t *testing.T) {
	tool := NewCalculatorTool()
	cases := []struct {
		expr string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 / 4", "2.5"},
		{"10 % 3", "1"},
		{"-5 + 3", "-2"},
		{"2 * (3 + 4) - 1", "13"},
	}
	for _, tc := range cases {
		result, err := tool.Execute(context.Background(), map[string]any{"expression": tc.expr})
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, result.Content, tc.expr)
	}

	for _, bad := range []string{"1 / 0", "1 +", "(1 + 2", "abc", ""} {
		_, err := tool.Execute(context.Background(), map[string]any{"expression": bad})
		assert.Error(t, err, bad)
	}
}

func TestWorkspacePath(t *testing.T) {
	workspace := t.TempDir()

	resolved, err := workspacePath(workspace, "notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workspace, "notes", "a.txt"), resolved)

	for _, escape := range []string{"../outside.txt", "a/../../b", "/etc/passwd", ""} {
		_, err := workspacePath(workspace, escape)
		assert.Error(t, err, escape)
	}
}

func TestReadWriteFileTools(t *testing.T) {
	workspace := t.TempDir()
	writer := NewWriteFileTool(workspace)
	reader := NewReadFileTool(workspace)

	ctx := context.Background()
	result, err := writer.Execute(ctx, map[string]any{
		"path":    "nested/dir/file.txt",
		"content": "hello",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(filepath.Join(workspace, "nested", "dir", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	result, err = reader.Execute(ctx, map[string]any{"path": "nested/dir/file.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)

	_, err = reader.Execute(ctx, map[string]any{"path": "../file.txt"})
	assert.Error(t, err)
}

func TestParseSearchResults(t *testing.T) {
	body := `
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgolang.org%2Fdoc%2F&amp;rut=abc">The Go <b>Documentation</b></a>
  <a class="result__snippet" href="#">Learn <b>Go</b> here.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://go.dev/blog/">The Go Blog</a>
  <a class="result__snippet" href="#">News from the Go team.</a>
</div>`

	hits := parseSearchResults(body, 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "The Go Documentation", hits[0].title)
	assert.Equal(t, "https://golang.org/doc/", hits[0].link)
	assert.Equal(t, "Learn Go here.", hits[0].snippet)
	assert.Equal(t, "https://go.dev/blog/", hits[1].link)

	assert.Empty(t, parseSearchResults("<html><body>no results</body></html>", 5))
}

func TestWebSearchNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body></body></html>"))
	}))
	defer server.Close()

	tool := NewWebSearchTool()
	tool.endpoint = server.URL

	result, err := tool.Execute(context.Background(), map[string]any{"query": "zxqv"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "not found")
}

func TestCommandToolDeniedAndAllowed(t *testing.T) {
	workspace := t.TempDir()
	tool := NewCommandTool(workspace, []string{"echo"})

	ctx := context.Background()
	_, err := tool.Execute(ctx, map[string]any{"command": "rm -rf /"})
	assert.Error(t, err)

	_, err = tool.Execute(ctx, map[string]any{"command": "ls"})
	assert.Error(t, err)

	result, err := tool.Execute(ctx, map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "hi")
}
