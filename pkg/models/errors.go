package models

import "errors"

// Error is the closed taxonomy of domain failures (§7), carried through the
// pipeline and translated to JSON-RPC error codes or isError payloads at the
// transport edge.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

const (
	KindUnauthorized      = "unauthorized"
	KindForbidden         = "forbidden"
	KindRateLimited       = "rate_limited"
	KindPolicyDenied      = "policy_denied"
	KindNeedsApproval     = "needs_approval"
	KindBudgetExceeded    = "budget_exceeded"
	KindPolicyInvalid     = "policy_invalid"
	KindSignatureInvalid  = "signature_invalid"
	KindStoreUnavailable  = "store_unavailable"
	KindMalformedRequest  = "malformed_request"
)

func NewError(kind, message string) *Error { return &Error{Kind: kind, Message: message} }

func IsKind(err error, kind string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
