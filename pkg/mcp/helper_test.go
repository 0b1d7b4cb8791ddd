package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
)

// fakeMCPServer answers initialize, tools/list and tools/call over plain
// JSON, the streamable_http happy path.
func fakeMCPServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("mcp-session-id", "sess-1")
		switch req.Method {
		case "initialize":
			writeRPC(w, req.ID, map[string]any{"protocolVersion": protocolVersion})
		case "tools/list":
			assert.Equal(t, "sess-1", r.Header.Get("mcp-session-id"))
			writeRPC(w, req.ID, map[string]any{
				"tools": []map[string]any{
					{"name": "echo", "description": "echoes input", "inputSchema": map[string]any{"type": "object"}},
				},
			})
		case "tools/call":
			params := req.Params.(map[string]any)
			args := params["arguments"].(map[string]any)
			writeRPC(w, req.ID, map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": fmt.Sprint(args["text"])},
				},
			})
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}))
}

func writeRPC(w http.ResponseWriter, id int64, result any) {
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func TestHelperHTTPTransport(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()

	helper := NewHelper([]config.MCPServerConfig{
		{Name: "fake", Transport: "streamable_http", URL: server.URL},
	})
	defer helper.Close()

	assert.Equal(t, []string{"fake"}, helper.GetAvailableServices())

	ctx := context.Background()
	tools, err := helper.GetTools(ctx, "fake")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := helper.CallTool(ctx, "fake", "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["result"])
}

func TestHelperUnknownServer(t *testing.T) {
	helper := NewHelper(nil)

	_, err := helper.GetTools(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestHelperWebsocketUnsupported(t *testing.T) {
	helper := NewHelper([]config.MCPServerConfig{
		{Name: "ws", Transport: "websocket", URL: "ws://localhost"},
	})

	_, err := helper.GetTools(context.Background(), "ws")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket transport is not supported")
}

func TestHelperConnectFailureNotCached(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// First initialize fails hard.
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "initialize":
			writeRPC(w, req.ID, map[string]any{})
		case "tools/list":
			writeRPC(w, req.ID, map[string]any{"tools": []map[string]any{}})
		}
	}))
	defer server.Close()

	helper := NewHelper([]config.MCPServerConfig{
		{Name: "flaky", Transport: "sse", URL: server.URL},
	})
	defer helper.Close()

	ctx := context.Background()
	_, err := helper.GetTools(ctx, "flaky")
	require.Error(t, err)

	// Second attempt reconnects instead of reusing the broken state.
	tools, err := helper.GetTools(ctx, "flaky")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestReadSSEResponse(t *testing.T) {
	stream := "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n\n"
	resp, err := readSSEResponse(strings.NewReader(stream))
	require.NoError(t, err)
	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["ok"])

	_, err = readSSEResponse(strings.NewReader("event: ping\n\n"))
	require.Error(t, err)
}
