package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/pipeline"
)

type fakeDecider struct {
	result pipeline.Result
	err    error
}

func (f *fakeDecider) Decide(ctx context.Context, principal models.Principal, call models.ToolCall, capacityQPS float64) (pipeline.Result, error) {
	return f.result, f.err
}

func newDispatcher(d *fakeDecider) *Dispatcher {
	return NewDispatcher(d, ServerInfo{Name: "toolgate", Version: "test", ProtocolVersion: "2024-11-05"}, func(string) float64 { return 0 })
}

func rawID(id int) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

func TestInitializeReturnsServerInfo(t *testing.T) {
	d := newDispatcher(&fakeDecider{})
	resp := d.Dispatch(context.Background(), models.Principal{}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "initialize"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected a result, got %+v", resp)
	}
}

func TestToolsListEnumeratesBuiltins(t *testing.T) {
	d := newDispatcher(&fakeDecider{})
	resp := d.Dispatch(context.Background(), models.Principal{}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/list"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected a result, got %+v", resp)
	}
	out, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(out), "cloud.estimate") {
		t.Fatalf("expected cloud.estimate in tools list, got %s", out)
	}
}

func TestToolsCallAllowReturnsNonError(t *testing.T) {
	d := newDispatcher(&fakeDecider{result: pipeline.Result{Decision: models.DecisionAllow}})
	params, _ := json.Marshal(map[string]any{"name": "net.http", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), models.Principal{Tenant: "acme"}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected a result, got %+v", resp)
	}
	out, _ := json.Marshal(resp.Result)
	if strings.Contains(string(out), `"isError":true`) {
		t.Fatalf("expected isError false, got %s", out)
	}
}

func TestToolsCallDenyMarksIsError(t *testing.T) {
	d := newDispatcher(&fakeDecider{result: pipeline.Result{Decision: models.DecisionDeny, Reason: "policy_denied"}})
	params, _ := json.Marshal(map[string]any{"name": "fs.write", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), models.Principal{Tenant: "acme"}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params})
	out, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(out), `"isError":true`) || !strings.Contains(string(out), "policy_denied") {
		t.Fatalf("expected deny isError with reason, got %s", out)
	}
}

func TestToolsCallNeedsApprovalCarriesPendingID(t *testing.T) {
	d := newDispatcher(&fakeDecider{result: pipeline.Result{Decision: "needs_approval", PendingID: "pend-1"}})
	params, _ := json.Marshal(map[string]any{"name": "fs.write", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), models.Principal{Tenant: "acme"}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params})
	out, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(out), "pend-1") || !strings.Contains(string(out), `"decision":"approval"`) {
		t.Fatalf("expected approval pending payload, got %s", out)
	}
}

func TestToolsCallErrorMapsDomainErrorCode(t *testing.T) {
	d := newDispatcher(&fakeDecider{err: models.NewError(models.KindBudgetExceeded, "over budget")})
	params, _ := json.Marshal(map[string]any{"name": "cloud.ops", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), models.Principal{Tenant: "acme"}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params})
	if resp.Error == nil || resp.Error.Code != -32005 {
		t.Fatalf("expected domain error code -32005, got %+v", resp.Error)
	}
}

func TestCloudEstimateBypassesPipeline(t *testing.T) {
	d := newDispatcher(&fakeDecider{err: models.NewError(models.KindStoreUnavailable, "should never be called")})
	params, _ := json.Marshal(map[string]any{"name": "cloud.estimate", "arguments": map[string]any{"provider": "aws", "action": "compute_hour", "units": 10}})
	resp := d.Dispatch(context.Background(), models.Principal{Tenant: "acme"}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params})
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected a result, got %+v", resp)
	}
	out, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(out), "static-pricebook") {
		t.Fatalf("expected static-pricebook source, got %s", out)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := newDispatcher(&fakeDecider{})
	resp := d.Dispatch(context.Background(), models.Principal{}, Request{JSONRPC: "2.0", ID: rawID(1), Method: "bogus"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	d := newDispatcher(&fakeDecider{})
	resp := d.Dispatch(context.Background(), models.Principal{}, Request{JSONRPC: "2.0", Method: "initialize"})
	if resp != nil {
		t.Fatalf("expected nil response for a notification, got %+v", resp)
	}
}

func TestServeStdioRoundTrip(t *testing.T) {
	d := newDispatcher(&fakeDecider{result: pipeline.Result{Decision: models.DecisionAllow}})
	params, _ := json.Marshal(map[string]any{"name": "net.http", "arguments": map[string]any{}})
	req := Request{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: params}
	line, _ := json.Marshal(req)

	in := bytes.NewReader(append(line, '\n'))
	var out bytes.Buffer
	logger := log.New(&bytes.Buffer{}, "", 0)

	if err := d.ServeStdio(context.Background(), in, &out, logger, models.Principal{Tenant: "acme"}); err != nil {
		t.Fatalf("serve stdio: %v", err)
	}
	if !strings.Contains(out.String(), `"jsonrpc":"2.0"`) {
		t.Fatalf("expected a JSON-RPC reply line, got %q", out.String())
	}
}
