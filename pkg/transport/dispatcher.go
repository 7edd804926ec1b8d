package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/pipeline"
	"github.com/amacisaac222/toolgate/pkg/tools"
)

// Decider is the subset of *pipeline.Pipeline the dispatcher depends on,
// narrowed to an interface so transport tests don't need a fully wired
// pipeline.
type Decider interface {
	Decide(ctx context.Context, principal models.Principal, call models.ToolCall, capacityQPS float64) (pipeline.Result, error)
}

// ServerInfo is echoed back on initialize.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// builtinTools is the static tool catalog tools/list enumerates (spec.md
// §6); it is independent of any tenant's policy bundle, since a tool being
// listed does not imply it will be allowed.
var builtinTools = []string{"net.http", "fs.read", "fs.write", "mail.send", "cloud.ops", "cloud.estimate"}

// Dispatcher handles JSON-RPC 2.0 method calls shared by the HTTP and stdio
// front ends (spec component C9).
type Dispatcher struct {
	Pipeline    Decider
	Info        ServerInfo
	CapacityQPS func(tenant string) float64
}

func NewDispatcher(p Decider, info ServerInfo, capacityQPS func(tenant string) float64) *Dispatcher {
	return &Dispatcher{Pipeline: p, Info: info, CapacityQPS: capacityQPS}
}

// Dispatch handles a single decoded JSON-RPC request for an already
// authenticated principal. It returns nil for notifications (no ID), which
// must not be replied to.
func (d *Dispatcher) Dispatch(ctx context.Context, principal models.Principal, req Request) *Response {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, principal, req)
	default:
		if isNotification(req) {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) handleInitialize(req Request) *Response {
	if isNotification(req) {
		return nil
	}
	return resultResponse(req.ID, map[string]interface{}{
		"protocolVersion": d.Info.ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    d.Info.Name,
			"version": d.Info.Version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	})
}

func (d *Dispatcher) handleToolsList(req Request) *Response {
	if isNotification(req) {
		return nil
	}
	entries := make([]map[string]interface{}, 0, len(builtinTools))
	for _, name := range builtinTools {
		entries = append(entries, map[string]interface{}{"name": name})
	}
	return resultResponse(req.ID, map[string]interface{}{"tools": entries})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, principal models.Principal, req Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		if isNotification(req) {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params")
	}

	if params.Name == "cloud.estimate" {
		return d.handleCloudEstimate(req, params.Arguments)
	}

	capacity := 0.0
	if d.CapacityQPS != nil {
		capacity = d.CapacityQPS(principal.Tenant)
	}
	call := models.ToolCall{Tenant: principal.Tenant, Subject: principal.Subject, Tool: params.Name, Arguments: params.Arguments}
	result, err := d.Pipeline.Decide(ctx, principal, call, capacity)
	if err != nil {
		if isNotification(req) {
			return nil
		}
		return errorResponse(req.ID, domainErrorCode(err), err.Error())
	}
	if isNotification(req) {
		return nil
	}
	return resultResponse(req.ID, toolCallResult(result))
}

func (d *Dispatcher) handleCloudEstimate(req Request, raw json.RawMessage) *Response {
	estimate, err := tools.Estimate(raw)
	if err != nil {
		if isNotification(req) {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if isNotification(req) {
		return nil
	}
	return resultResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": fmt.Sprintf("estimated_cost_usd=%v %s", estimate.EstimatedCostUSD, estimate.Unit)},
		},
		"isError":            false,
		"estimated_cost_usd": estimate.EstimatedCostUSD,
		"unit":               estimate.Unit,
		"usd_per_unit":       estimate.USDPerUnit,
		"source":             estimate.Source,
	})
}

// toolCallResult shapes a pipeline.Result into the three tools/call reply
// forms spec.md §6 enumerates: sync allow, deny, and pending approval.
func toolCallResult(r pipeline.Result) map[string]interface{} {
	switch r.Decision {
	case models.DecisionAllow:
		return map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "allowed"}},
			"isError": false,
		}
	case "needs_approval":
		return map[string]interface{}{
			"decision":  "approval",
			"pendingId": r.PendingID,
			"isError":   true,
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("approval required; pending_id=%s", r.PendingID)},
			},
		}
	default: // deny
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("denied: %s", r.Reason)},
			},
			"isError": true,
		}
	}
}

// domainErrorCode maps a models.Error kind to a JSON-RPC domain error code
// in the reserved -32000..-32099 server range (spec.md §4.9); anything
// unrecognized (including non-models errors) is an internal error.
func domainErrorCode(err error) int {
	var e *models.Error
	if !errors.As(err, &e) {
		return CodeInternalError
	}
	switch e.Kind {
	case models.KindUnauthorized:
		return -32000
	case models.KindForbidden:
		return -32001
	case models.KindRateLimited:
		return -32002
	case models.KindPolicyDenied:
		return -32003
	case models.KindNeedsApproval:
		return -32004
	case models.KindBudgetExceeded:
		return -32005
	case models.KindPolicyInvalid:
		return -32006
	case models.KindSignatureInvalid:
		return -32007
	case models.KindStoreUnavailable:
		return -32008
	case models.KindMalformedRequest:
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}
