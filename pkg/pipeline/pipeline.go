// Package pipeline orchestrates a single tool call end-to-end (spec
// component C5): rate limiting, bundle selection, policy evaluation,
// budget debit, approval creation/wait, and audit, composed per §4.5.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/amacisaac222/toolgate/pkg/approval"
	"github.com/amacisaac222/toolgate/pkg/budget"
	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/policybundle"
	"github.com/amacisaac222/toolgate/pkg/policyeval"
	"github.com/amacisaac222/toolgate/pkg/ratelimit"
)

// Result is the pipeline's outward contract: {decision, result|pending_id,
// audit_id}.
type Result struct {
	Decision  string // allow | deny | needs_approval
	PendingID string
	AuditID   int64
	Reason    string
	Trace     []models.TraceStep
}

// Config carries the knobs that vary per deployment rather than per call:
// the budget name a tool's estimated cost is charged against, and how long
// to synchronously wait for an approval decision before returning
// needs_approval.
type Config struct {
	BudgetName          string
	ApprovalSyncWaitMS  int
	DefaultApproverTTLS int
}

type Pipeline struct {
	Limiter  ratelimit.Limiter
	Bundles  *policybundle.Store
	Budgets  *budget.Ledger
	Approval *approval.Workflow
	Audit    AuditAppender
	Cfg      Config
	Now      func() time.Time
}

// AuditAppender is the subset of *audit.Writer the pipeline needs,
// expressed as an interface so pipeline tests don't need a real database.
type AuditAppender interface {
	Append(ctx context.Context, entry models.AuditEntry, argsDigestSource json.RawMessage) (models.AuditEntry, error)
}

func New(limiter ratelimit.Limiter, bundles *policybundle.Store, budgets *budget.Ledger, approvals *approval.Workflow, auditor AuditAppender, cfg Config) *Pipeline {
	return &Pipeline{Limiter: limiter, Bundles: bundles, Budgets: budgets, Approval: approvals, Audit: auditor, Cfg: cfg, Now: time.Now}
}

// Decide runs the full pipeline for one tool call. principal has already
// been authenticated by C7 before this is called; authentication failures
// never reach the pipeline.
func (p *Pipeline) Decide(ctx context.Context, principal models.Principal, call models.ToolCall, capacityQPS float64) (Result, error) {
	if call.RequestID == "" {
		call.RequestID = uuid.NewString()
	}

	admitted, err := p.Limiter.Allow(principal.Tenant, capacityQPS)
	if err != nil {
		return Result{}, models.NewError(models.KindStoreUnavailable, "rate limiter unavailable: "+err.Error())
	}
	if !admitted.Allowed {
		entry, _ := p.audit(ctx, models.AuditEntry{
			Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
			Event: "rate_limited", Decision: models.DecisionDeny, RequestID: call.RequestID,
		}, call.Arguments)
		return Result{Decision: models.DecisionDeny, AuditID: entry.ID, Reason: "rate_limited"}, nil
	}

	bundle, err := p.Bundles.BundleFor(principal.Tenant)
	if err != nil {
		return Result{}, models.NewError(models.KindStoreUnavailable, "no policy bundle available: "+err.Error())
	}

	decision := policyeval.Evaluate(call, bundle)

	switch decision.Outcome {
	case models.DecisionAllow:
		return p.resolveAllow(ctx, principal, call, decision)
	case models.DecisionDeny:
		entry, _ := p.audit(ctx, models.AuditEntry{
			Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
			Event: "deny", Decision: models.DecisionDeny, Rule: decision.RuleName, RequestID: call.RequestID,
		}, call.Arguments)
		return Result{Decision: models.DecisionDeny, AuditID: entry.ID, Reason: decision.Reason, Trace: decision.Trace}, nil
	case models.DecisionApproval:
		return p.handleApproval(ctx, principal, call, decision)
	default:
		return Result{}, models.NewError(models.KindPolicyInvalid, "unknown decision outcome "+decision.Outcome)
	}
}

func (p *Pipeline) resolveAllow(ctx context.Context, principal models.Principal, call models.ToolCall, decision models.Decision) (Result, error) {
	cost, hasCost := estimatedCostUSD(call.Arguments)
	if hasCost {
		_, ok, err := p.Budgets.Debit(ctx, principal.Tenant, p.Cfg.BudgetName, cost)
		if err != nil {
			return Result{}, models.NewError(models.KindStoreUnavailable, "budget debit failed: "+err.Error())
		}
		if !ok {
			entry, _ := p.audit(ctx, models.AuditEntry{
				Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
				Event: "budget_exceeded", Decision: models.DecisionDeny, Rule: decision.RuleName, RequestID: call.RequestID,
			}, call.Arguments)
			return Result{Decision: models.DecisionDeny, AuditID: entry.ID, Reason: "budget_exceeded"}, nil
		}
	}
	entry, err := p.audit(ctx, models.AuditEntry{
		Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
		Event: "allow", Decision: models.DecisionAllow, Rule: decision.RuleName, RequestID: call.RequestID,
	}, call.Arguments)
	if err != nil {
		if hasCost {
			p.refund(ctx, principal.Tenant, cost)
		}
		return Result{}, err
	}
	return Result{Decision: models.DecisionAllow, AuditID: entry.ID, Reason: decision.Reason, Trace: decision.Trace}, nil
}

// refund reverses a just-applied debit when a downstream step in the same
// request (the allow audit) fails after the debit already succeeded, per
// the no-charge-without-a-recorded-allow guarantee. The caller is already
// returning its own error, so a refund failure here only gets logged, not
// propagated.
func (p *Pipeline) refund(ctx context.Context, tenant string, cost float64) {
	if err := p.Budgets.Refund(ctx, tenant, p.Cfg.BudgetName, cost); err != nil {
		log.Printf("pipeline: refund failed for tenant %s: %v", tenant, err)
	}
}

func (p *Pipeline) handleApproval(ctx context.Context, principal models.Principal, call models.ToolCall, decision models.Decision) (Result, error) {
	cost, hasCost := estimatedCostUSD(call.Arguments)
	var costPtr *float64
	if hasCost {
		costPtr = &cost
	}
	pending, err := p.Approval.Create(ctx, models.PendingApproval{
		Tenant: principal.Tenant, Requester: principal.Subject, Tool: call.Tool,
		Arguments: call.Arguments, Reason: decision.Reason,
		RequiredApprovals: decision.RequiredApprovals, ApproverGroup: decision.ApproverGroup,
		EstimatedCostUSD: costPtr, TTLSeconds: p.Cfg.DefaultApproverTTLS,
	})
	if err != nil {
		return Result{}, models.NewError(models.KindStoreUnavailable, "approval create failed: "+err.Error())
	}
	entry, err := p.audit(ctx, models.AuditEntry{
		Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
		Event: "approval_requested", Decision: models.DecisionApproval, Rule: decision.RuleName, RequestID: call.RequestID,
	}, call.Arguments)
	if err != nil {
		return Result{}, err
	}

	if p.Cfg.ApprovalSyncWaitMS <= 0 {
		return Result{Decision: "needs_approval", PendingID: pending.PendingID, AuditID: entry.ID, Trace: decision.Trace}, nil
	}

	final, found, err := p.Approval.WaitForResolution(ctx, pending.PendingID, time.Duration(p.Cfg.ApprovalSyncWaitMS)*time.Millisecond)
	if err != nil {
		return Result{}, models.NewError(models.KindStoreUnavailable, "approval wait failed: "+err.Error())
	}
	if !found {
		return Result{Decision: "needs_approval", PendingID: pending.PendingID, AuditID: entry.ID, Trace: decision.Trace}, nil
	}

	switch final.Status {
	case models.ApprovalStatusAllow:
		return p.resolveAllow(ctx, principal, call, decision)
	default: // deny or expired
		terminalEntry, _ := p.audit(ctx, models.AuditEntry{
			Tenant: principal.Tenant, Subject: principal.Subject, Tool: call.Tool,
			Event: "approval_terminal", Decision: models.DecisionDeny, Rule: decision.RuleName, RequestID: call.RequestID,
		}, nil)
		return Result{Decision: models.DecisionDeny, PendingID: pending.PendingID, AuditID: terminalEntry.ID, Reason: final.Status}, nil
	}
}

func (p *Pipeline) audit(ctx context.Context, entry models.AuditEntry, argsSource json.RawMessage) (models.AuditEntry, error) {
	entry.Ts = p.Now().UTC()
	recorded, err := p.Audit.Append(ctx, entry, argsSource)
	if err != nil {
		return models.AuditEntry{}, models.NewError(models.KindStoreUnavailable, "audit append failed: "+err.Error())
	}
	return recorded, nil
}

func estimatedCostUSD(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var args struct {
		EstimatedCostUSD *float64 `json:"estimated_cost_usd"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return 0, false
	}
	if args.EstimatedCostUSD == nil {
		return 0, false
	}
	return *args.EstimatedCostUSD, true
}
