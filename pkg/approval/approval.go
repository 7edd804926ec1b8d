// Package approval implements the dual-control approval workflow (spec
// component C4): pending approval records with N-of-M quorum, deny
// precedence, TTL expiry, idempotent re-decision on a terminal record, and
// publish/subscribe-based synchronous waiting.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/store"
)

func key(pendingID string) string   { return fmt.Sprintf("appr:%s", pendingID) }
func chan_(pendingID string) string { return fmt.Sprintf("appr:notify:%s", pendingID) }

// GroupMembership answers whether a subject belongs to a named approver
// group, so Decide can enforce that every recorded decision comes from a
// group member (Open Question 2).
type GroupMembership interface {
	IsMember(ctx context.Context, group, subject string) (bool, error)
}

type Workflow struct {
	Coord   store.Coordinator
	Members GroupMembership
	Now     func() time.Time
}

func NewWorkflow(coord store.Coordinator, members GroupMembership) *Workflow {
	return &Workflow{Coord: coord, Members: members, Now: time.Now}
}

// NewPendingID mints a new opaque pending id.
func NewPendingID() string { return uuid.NewString() }

// Create installs a new pending approval record, TTL'd per the rule's
// approval window. Creation is not idempotent on content — callers supply
// the pending_id (typically derived from the request) so retried calls can
// reuse Get instead of creating duplicates.
func (w *Workflow) Create(ctx context.Context, p models.PendingApproval) (models.PendingApproval, error) {
	if p.PendingID == "" {
		p.PendingID = NewPendingID()
	}
	p.Status = models.ApprovalStatusPending
	p.CreatedTs = w.Now()
	if p.Decisions == nil {
		p.Decisions = map[string]models.ApprovalAction{}
	}
	if p.TTLSeconds <= 0 {
		p.TTLSeconds = 900
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if err := w.Coord.PutTTL(ctx, key(p.PendingID), string(raw), time.Duration(p.TTLSeconds)*time.Second); err != nil {
		return models.PendingApproval{}, err
	}
	return p, nil
}

// Get reads a pending approval record, applying TTL expiry transparently:
// a record whose creation time plus ttl has elapsed reads back as expired
// even if the store hasn't yet evicted the key.
func (w *Workflow) Get(ctx context.Context, pendingID string) (models.PendingApproval, bool, error) {
	raw, found, err := w.Coord.Get(ctx, key(pendingID))
	if err != nil || !found {
		return models.PendingApproval{}, false, err
	}
	var p models.PendingApproval
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.PendingApproval{}, false, err
	}
	if p.Status == models.ApprovalStatusPending && w.expired(p) {
		p.Status = models.ApprovalStatusExpired
	}
	return p, true, nil
}

func (w *Workflow) expired(p models.PendingApproval) bool {
	deadline := p.CreatedTs.Add(time.Duration(p.TTLSeconds) * time.Second)
	return w.Now().After(deadline)
}

func (w *Workflow) put(ctx context.Context, p models.PendingApproval) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	remaining := time.Duration(p.TTLSeconds)*time.Second - w.Now().Sub(p.CreatedTs)
	if remaining <= 0 {
		remaining = time.Second
	}
	return w.Coord.PutTTL(ctx, key(p.PendingID), string(raw), remaining)
}

// Decide records one approver's decision. Deny is immediately terminal
// regardless of how many approvals have already accumulated. Re-deciding a
// terminal record is a no-op that returns the existing record (idempotent).
// When Members is set, a decision from a non-member of the record's
// approver_group is rejected with Forbidden; with a nil Members no
// membership check is made.
func (w *Workflow) Decide(ctx context.Context, pendingID, approver string, action string, reason string) (models.PendingApproval, error) {
	p, found, err := w.Get(ctx, pendingID)
	if err != nil {
		return models.PendingApproval{}, err
	}
	if !found {
		return models.PendingApproval{}, models.NewError(models.KindMalformedRequest, "pending approval not found")
	}
	if p.Status != models.ApprovalStatusPending {
		return p, nil
	}
	if p.ApproverGroup != "" && w.Members != nil {
		member, err := w.Members.IsMember(ctx, p.ApproverGroup, approver)
		if err != nil {
			return models.PendingApproval{}, err
		}
		if !member {
			return models.PendingApproval{}, models.NewError(models.KindForbidden,
				fmt.Sprintf("%s is not a member of approver group %s", approver, p.ApproverGroup))
		}
	}

	if action != "approve" && action != "deny" {
		return models.PendingApproval{}, models.NewError(models.KindMalformedRequest,
			fmt.Sprintf("approval action must be approve or deny, got %q", action))
	}

	p.Decisions[approver] = models.ApprovalAction{Action: action, Ts: w.Now()}
	if reason != "" {
		p.Reason = reason
	}

	if action == "deny" {
		p.Status = models.ApprovalStatusDeny
	} else {
		approves := 0
		for _, d := range p.Decisions {
			if d.Action == "approve" {
				approves++
			}
		}
		if approves >= p.RequiredApprovals {
			p.Status = models.ApprovalStatusAllow
		}
	}

	if err := w.put(ctx, p); err != nil {
		return models.PendingApproval{}, err
	}
	_ = w.Coord.Publish(ctx, chan_(pendingID), p.Status)
	return p, nil
}

// WaitForResolution blocks until the pending approval reaches a terminal
// status or timeout elapses, returning the final record (or found=false on
// timeout). The subscription is opened before the first read, so a decision
// recorded between the subscribe call and the read is never missed.
func (w *Workflow) WaitForResolution(ctx context.Context, pendingID string, timeout time.Duration) (models.PendingApproval, bool, error) {
	sub, err := w.Coord.Subscribe(ctx, chan_(pendingID))
	if err != nil {
		return models.PendingApproval{}, false, err
	}
	defer sub.Close()

	p, found, err := w.Get(ctx, pendingID)
	if err != nil {
		return models.PendingApproval{}, false, err
	}
	if found && p.Status != models.ApprovalStatusPending {
		return p, true, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return models.PendingApproval{}, false, ctx.Err()
		case <-deadline.C:
			return models.PendingApproval{}, false, nil
		case <-sub.C():
			p, found, err := w.Get(ctx, pendingID)
			if err != nil {
				return models.PendingApproval{}, false, err
			}
			if found && p.Status != models.ApprovalStatusPending {
				return p, true, nil
			}
		case <-poll.C:
			p, found, err := w.Get(ctx, pendingID)
			if err != nil {
				return models.PendingApproval{}, false, err
			}
			if found && p.Status != models.ApprovalStatusPending {
				return p, true, nil
			}
		}
	}
}
