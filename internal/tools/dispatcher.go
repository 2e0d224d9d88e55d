package tools

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dshield/mcp-analytics/internal/collab"
	"github.com/dshield/mcp-analytics/internal/errs"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "dshield-mcp-analytics"
	ServerVersion   = "1.0.0"
)

// Dispatcher runs the JSON-RPC method switch over a collab.Transport: one
// ReadMessage, one route, one WriteMessage per request. Grounded on the
// teacher's handleMethod switch, adapted from an HTTP handler to a framed
// byte-stream loop since the spec's Transport collaborator is
// protocol-agnostic (stdio or TCP).
type Dispatcher struct {
	registry  *Registry
	transport collab.Transport

	// OnError, when set, observes every failed tools/call with the tool
	// name and the error before it is translated to a JSON-RPC error.
	// The wiring layer points it at the error aggregator and metrics.
	OnError func(tool string, err error)
}

func NewDispatcher(registry *Registry, transport collab.Transport) *Dispatcher {
	return &Dispatcher{registry: registry, transport: transport}
}

// Serve reads and handles requests until ctx is cancelled or the
// transport returns an error (typically io.EOF on connection close).
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		raw, err := d.transport.ReadMessage(ctx)
		if err != nil {
			return err
		}
		resp := d.handle(ctx, raw)
		if resp == nil {
			continue // notifications (e.g. "initialized") have no response
		}
		out, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("tools: failed to marshal response")
			continue
		}
		if err := d.transport.WriteMessage(ctx, out); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, errs.New(errs.KindParseError, "malformed JSON-RPC request"))
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, errs.New(errs.KindInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	result, err := d.route(ctx, req)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if result == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, errs.Wrap(errs.KindInternal, "failed to marshal result", err))
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: payload}
}

func (d *Dispatcher) route(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req.Params)
	case "initialized":
		return nil, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return ListToolsResult{Tools: d.registry.ListTools()}, nil
	case "tools/call":
		return d.handleCallTool(ctx, req.Params)
	default:
		return nil, errs.Newf(errs.KindMethodNotFound, "method not found: %s", req.Method)
	}
}

func (d *Dispatcher) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var initParams InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, errs.Wrap(errs.KindInvalidParams, "failed to parse initialize params", err)
		}
	}
	log.Info().Str("client", initParams.ClientInfo.Name).Str("protocolVersion", initParams.ProtocolVersion).
		Msg("tools: client connected")
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{ListChanged: false}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	}, nil
}

func (d *Dispatcher) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var callParams CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, "failed to parse tools/call params", err)
	}

	result, err := d.registry.Execute(ctx, callParams.Name, callParams.Arguments)
	if err != nil {
		log.Warn().Err(err).Str("tool", callParams.Name).Msg("tools: call failed")
		if d.OnError != nil {
			d.OnError(callParams.Name, err)
		}
		errResult := NewErrorResult(err)
		return &errResult, nil
	}
	return &result, nil
}

func errorResponse(id any, err error) *Response {
	kind := errs.KindOf(err)
	var data any
	var e *errs.Error
	if errs.As(err, &e) {
		data = e.Data
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: kind.JSONRPCCode(), Message: err.Error(), Data: data},
	}
}
