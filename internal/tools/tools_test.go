package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/resilience"
)

// fakeTransport feeds a fixed queue of inbound messages and records every
// outbound one, letting Serve run to completion once the queue drains.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   [][]byte
	outbox  [][]byte
	closed  bool
}

func newFakeTransport(messages ...string) *fakeTransport {
	t := &fakeTransport{}
	for _, m := range messages {
		t.inbox = append(t.inbox, []byte(m))
	}
	return t
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return nil, errors.New("eof")
	}
	msg := t.inbox[0]
	t.inbox = t.inbox[1:]
	return msg, nil
}

func (t *fakeTransport) WriteMessage(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) responses() []Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Response, 0, len(t.outbox))
	for _, raw := range t.outbox {
		var r Response
		_ = json.Unmarshal(raw, &r)
		out = append(out, r)
	}
	return out
}

type fakeFeatures struct {
	down map[string]bool
}

func (f *fakeFeatures) Healthy(feature string) bool { return !f.down[feature] }

func (f *fakeFeatures) Missing(features []string) []string {
	var missing []string
	for _, name := range features {
		if f.down[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func echoTool() RegisteredTool {
	return RegisteredTool{
		Definition: Tool{
			Name:        "echo",
			Description: "returns its single argument back as text",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]PropertySchema{"message": {Type: "string"}},
				Required:   []string{"message"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			return NewTextResult(args["message"].(string)), nil
		},
	}
}

func gatedTool(feature string) RegisteredTool {
	return RegisteredTool{
		Definition:       Tool{Name: "gated", InputSchema: InputSchema{Type: "object"}},
		RequiredFeatures: []string{feature},
		Handler: func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			return NewTextResult("ok"), nil
		},
	}
}

func TestRegistry_ListToolsPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(RegisteredTool{Definition: Tool{Name: "b"}})
	reg.Register(RegisteredTool{Definition: Tool{Name: "a"}})
	names := make([]string, 0)
	for _, tool := range reg.ListTools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"b", "a"}, names)
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindMethodNotFound, errs.KindOf(err))
}

func TestRegistry_ExecuteGatedByMissingFeature(t *testing.T) {
	features := &fakeFeatures{down: map[string]bool{"threatintel": true}}
	reg := NewRegistry(features)
	reg.Register(gatedTool("threatintel"))

	_, err := reg.Execute(context.Background(), "gated", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindResourceUnavailable, errs.KindOf(err))
}

func TestRegistry_ExecuteRunsHandlerWhenFeaturesHealthy(t *testing.T) {
	features := &fakeFeatures{down: map[string]bool{}}
	reg := NewRegistry(features)
	reg.Register(gatedTool("threatintel"))

	result, err := reg.Execute(context.Background(), "gated", nil)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestRegistry_ExecuteEnforcesTimeoutClass(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetTimeouts(resilience.TimeoutTable{ToolExecution: 20 * time.Millisecond})
	reg.Register(RegisteredTool{
		Definition:   Tool{Name: "slow", InputSchema: InputSchema{Type: "object"}},
		TimeoutClass: resilience.ClassToolExecution,
		Handler: func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			select {
			case <-ctx.Done():
				return CallToolResult{}, ctx.Err()
			case <-time.After(time.Second):
				return NewTextResult("too late"), nil
			}
		},
	})

	_, err := reg.Execute(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestValidateArgs_MissingRequired(t *testing.T) {
	schema := echoTool().Definition.InputSchema
	err := ValidateArgs(schema, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidParams, errs.KindOf(err))
}

func TestValidateArgs_WrongType(t *testing.T) {
	schema := echoTool().Definition.InputSchema
	err := ValidateArgs(schema, map[string]any{"message": 42})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidParams, errs.KindOf(err))
}

func TestValidateArgs_EnumRejectsUnlistedValue(t *testing.T) {
	schema := InputSchema{
		Type:       "object",
		Properties: map[string]PropertySchema{"mode": {Type: "string", Enum: []string{"fast", "slow"}}},
	}
	err := ValidateArgs(schema, map[string]any{"mode": "turbo"})
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidParams, errs.KindOf(err))
}

func TestValidateArgs_ValidPasses(t *testing.T) {
	schema := echoTool().Definition.InputSchema
	err := ValidateArgs(schema, map[string]any{"message": "hi"})
	assert.NoError(t, err)
}

func TestDispatcher_InitializeAndToolsList(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(echoTool())

	transport := newFakeTransport(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	d := NewDispatcher(reg, transport)
	err := d.Serve(context.Background())
	require.Error(t, err) // fakeTransport returns an error once the queue drains

	responses := transport.responses()
	require.Len(t, responses, 2)
	assert.Nil(t, responses[0].Error)
	assert.Nil(t, responses[1].Error)

	var listResult ListToolsResult
	require.NoError(t, json.Unmarshal(responses[1].Result, &listResult))
	require.Len(t, listResult.Tools, 1)
	assert.Equal(t, "echo", listResult.Tools[0].Name)
}

func TestDispatcher_ToolsCallSuccess(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(echoTool())

	transport := newFakeTransport(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hello"}}}`,
	)
	d := NewDispatcher(reg, transport)
	_ = d.Serve(context.Background())

	responses := transport.responses()
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestDispatcher_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	transport := newFakeTransport(`{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`)
	d := NewDispatcher(reg, transport)
	_ = d.Serve(context.Background())

	responses := transport.responses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, errs.KindMethodNotFound.JSONRPCCode(), responses[0].Error.Code)
}

func TestDispatcher_ToolHandlerErrorBecomesIsErrorResult(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(RegisteredTool{
		Definition: Tool{Name: "boom", InputSchema: InputSchema{Type: "object"}},
		Handler: func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			return CallToolResult{}, errs.New(errs.KindExternalServiceError, "backend unreachable")
		},
	})
	transport := newFakeTransport(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom","arguments":{}}}`,
	)
	d := NewDispatcher(reg, transport)
	_ = d.Serve(context.Background())

	responses := transport.responses()
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error) // tool errors surface as IsError content, not a JSON-RPC error

	var result CallToolResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	assert.True(t, result.IsError)
}

func TestDispatcher_MalformedJSONReturnsParseError(t *testing.T) {
	reg := NewRegistry(nil)
	transport := newFakeTransport(`not json`)
	d := NewDispatcher(reg, transport)
	_ = d.Serve(context.Background())

	responses := transport.responses()
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, errs.KindParseError.JSONRPCCode(), responses[0].Error.Code)
}

func TestDispatcher_InitializedNotificationProducesNoResponse(t *testing.T) {
	reg := NewRegistry(nil)
	transport := newFakeTransport(
		`{"jsonrpc":"2.0","method":"initialized"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
	)
	d := NewDispatcher(reg, transport)
	_ = d.Serve(context.Background())

	responses := transport.responses()
	require.Len(t, responses, 1) // only ping produced a response
}
