// Package admin implements the gateway's control-plane surface (C10):
// per-tenant rate-limit and budget configuration, RBAC role assignment, and
// policy bundle simulate/diff/apply. It is grounded on cmd/policy/main.go's
// Server/withRoles/chi pattern, narrowed to the collaborators this surface
// actually needs rather than a database handle.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/amacisaac222/toolgate/pkg/auth"
	"github.com/amacisaac222/toolgate/pkg/budget"
	"github.com/amacisaac222/toolgate/pkg/httpx"
	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/policybundle"
	"github.com/amacisaac222/toolgate/pkg/policyeval"
	"github.com/amacisaac222/toolgate/pkg/store"

	"github.com/go-chi/chi/v5"
)

// AuditAppender is the subset of *audit.Writer the admin handlers need to
// record control-plane mutations, expressed as an interface so tests don't
// need a real database.
type AuditAppender interface {
	Append(ctx context.Context, entry models.AuditEntry, argsDigestSource json.RawMessage) (models.AuditEntry, error)
}

// Server holds the collaborators admin handlers act on. Every field is an
// interface or a package's own exported type, so tests wire in-memory
// implementations without touching Postgres or Redis.
type Server struct {
	Bundles          *policybundle.Store
	Budgets          *budget.Ledger
	Coord            store.Coordinator
	RequireSignature bool
	// Resolver looks up a bundle signer's public key by fingerprint (e.g.
	// against Vault Transit) instead of verifying against one pinned key.
	// Nil falls back to the Bundles store's own pinned public key.
	Resolver policybundle.KeyResolver
	// Audit records every control-plane mutation (policy bundle applies,
	// RBAC changes, budget/quota changes) as its own audit entry, nil-safe
	// so tests that don't care about the audit trail can omit it.
	Audit AuditAppender
}

func New(bundles *policybundle.Store, budgets *budget.Ledger, coord store.Coordinator, requireSignature bool) *Server {
	return &Server{Bundles: bundles, Budgets: budgets, Coord: coord, RequireSignature: requireSignature}
}

// audit appends a control-plane audit entry, silently no-op when Audit is
// unset (tests that don't wire one) and logging append failures rather than
// failing the mutation itself — the mutation already succeeded against its
// own store by the time this is called.
func (s *Server) audit(ctx context.Context, entry models.AuditEntry) {
	if s.Audit == nil {
		return
	}
	entry.Ts = time.Now().UTC()
	if _, err := s.Audit.Append(ctx, entry, nil); err != nil {
		log.Printf("admin: audit append failed for event %s: %v", entry.Event, err)
	}
}

func principalSubject(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

// Routes mounts the admin surface under r. Callers are expected to have
// already applied auth.Middleware to r (or its parent) so principal lookups
// below succeed; Routes itself only layers role checks on top.
func (s *Server) Routes(r chi.Router) {
	r.Put("/admin/tenants/{tenant}/rate-limit", s.withRoles(s.putRateLimit, models.RoleAdmin))
	r.Get("/admin/tenants/{tenant}/rate-limit", s.withRoles(s.getRateLimit, models.RoleAdmin, models.RoleViewer))
	r.Put("/admin/tenants/{tenant}/quota", s.withRoles(s.putQuota, models.RoleAdmin))
	r.Get("/admin/tenants/{tenant}/quota/{name}", s.withRoles(s.getQuota, models.RoleAdmin, models.RoleViewer))
	r.Put("/admin/rbac/{tenant}/users/{subject}", s.withRoles(s.putRBAC, models.RoleAdmin))
	r.Get("/admin/rbac/{tenant}/users/{subject}", s.withRoles(s.getRBAC, models.RoleAdmin, models.RoleViewer))
	r.Post("/v1/policy/simulate", s.withRoles(s.simulatePolicy, models.RoleAdmin, models.RoleViewer))
	r.Post("/v1/policy/diff", s.withRoles(s.diffPolicy, models.RoleAdmin, models.RoleViewer))
	r.Post("/v1/policy/apply", s.withRoles(s.applyPolicy, models.RoleAdmin))
	r.Put("/admin/tenants/{tenant}/policy-pin", s.withRoles(s.putPolicyPin, models.RoleAdmin))
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func rateLimitKey(tenant string) string { return "admin:rate_limit:" + tenant }
func rbacKey(tenant, subject string) string { return "admin:rbac:" + tenant + ":" + subject }

// --- rate limit ---

func (s *Server) putRateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var body struct {
		CapacityQPS float64 `json:"capacity_qps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.CapacityQPS <= 0 {
		httpx.Error(w, http.StatusBadRequest, "capacity_qps must be > 0")
		return
	}
	bucket := models.TokenBucket{Tenant: tenant, CapacityQPS: body.CapacityQPS}
	raw, _ := json.Marshal(bucket)
	if err := s.Coord.PutTTL(r.Context(), rateLimitKey(tenant), string(raw), 0); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.audit(r.Context(), models.AuditEntry{
		Tenant: tenant, Subject: principalSubject(r.Context()), Tool: "admin.rate_limit",
		Event: "rate_limit_updated", Decision: models.DecisionAllow, ResultMeta: string(raw),
	})
	httpx.WriteJSON(w, http.StatusOK, bucket)
}

func (s *Server) getRateLimit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	bucket, found, err := s.RateLimitFor(r.Context(), tenant)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "no rate limit configured for tenant")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bucket)
}

// RateLimitFor is the read path the gateway's transport layer calls to
// resolve a tenant's token-bucket capacity (Dispatcher.CapacityQPS), kept
// exported so main wiring doesn't need its own coordinator lookup.
func (s *Server) RateLimitFor(ctx context.Context, tenant string) (models.TokenBucket, bool, error) {
	raw, found, err := s.Coord.Get(ctx, rateLimitKey(tenant))
	if err != nil {
		return models.TokenBucket{}, false, err
	}
	if !found {
		return models.TokenBucket{}, false, nil
	}
	var bucket models.TokenBucket
	if err := json.Unmarshal([]byte(raw), &bucket); err != nil {
		return models.TokenBucket{}, false, err
	}
	return bucket, true, nil
}

// --- budget quota ---

func (s *Server) putQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var spec models.BudgetSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if spec.Name == "" || spec.LimitUSD <= 0 {
		httpx.Error(w, http.StatusBadRequest, "name and limit_usd are required")
		return
	}
	if spec.Period != "day" && spec.Period != "week" {
		httpx.Error(w, http.StatusBadRequest, "period must be day or week")
		return
	}
	if err := s.Budgets.SetSpec(r.Context(), tenant, spec); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	specRaw, _ := json.Marshal(spec)
	s.audit(r.Context(), models.AuditEntry{
		Tenant: tenant, Subject: principalSubject(r.Context()), Tool: "admin.quota",
		Event: "quota_updated", Decision: models.DecisionAllow, ResultMeta: string(specRaw),
	})
	httpx.WriteJSON(w, http.StatusOK, spec)
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	name := chi.URLParam(r, "name")
	spec, found, err := s.Budgets.Spec(r.Context(), tenant, name)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "no quota configured")
		return
	}
	counter, err := s.Budgets.Counter(r.Context(), tenant, name)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"spec": spec, "counter": counter})
}

// --- RBAC ---

type rbacAssignment struct {
	Tenant  string   `json:"tenant"`
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

func (s *Server) putRBAC(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	subject := chi.URLParam(r, "subject")
	var body struct {
		Roles []string `json:"roles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	for _, role := range body.Roles {
		if role != models.RoleAdmin && role != models.RoleApprover && role != models.RoleViewer {
			httpx.Error(w, http.StatusBadRequest, "unknown role: "+role)
			return
		}
	}
	assignment := rbacAssignment{Tenant: tenant, Subject: subject, Roles: body.Roles}
	raw, _ := json.Marshal(assignment)
	if err := s.Coord.PutTTL(r.Context(), rbacKey(tenant, subject), string(raw), 0); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.audit(r.Context(), models.AuditEntry{
		Tenant: tenant, Subject: principalSubject(r.Context()), Tool: "admin.rbac",
		Event: "rbac_updated", Decision: models.DecisionAllow, ResultMeta: string(raw),
	})
	httpx.WriteJSON(w, http.StatusOK, assignment)
}

func (s *Server) getRBAC(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	subject := chi.URLParam(r, "subject")
	raw, found, err := s.Coord.Get(r.Context(), rbacKey(tenant, subject))
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "no roles assigned")
		return
	}
	var assignment rbacAssignment
	if err := json.Unmarshal([]byte(raw), &assignment); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "corrupt rbac record")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, assignment)
}

// RolesFor returns the roles assigned to subject in tenant through the RBAC
// admin endpoint. auth.Middleware does not call it: a request's principal
// carries only the roles found in its verified token's roles claim.
func (s *Server) RolesFor(ctx context.Context, tenant, subject string) ([]string, error) {
	raw, found, err := s.Coord.Get(ctx, rbacKey(tenant, subject))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var assignment rbacAssignment
	if err := json.Unmarshal([]byte(raw), &assignment); err != nil {
		return nil, err
	}
	return assignment.Roles, nil
}

// --- policy simulate / diff / apply ---

func (s *Server) simulatePolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant   string          `json:"tenant"`
		ToolCall models.ToolCall `json:"tool_call"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	compiled, err := s.Bundles.BundleFor(body.Tenant)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "no bundle active for tenant")
		return
	}
	decision := policyeval.Evaluate(body.ToolCall, compiled)
	httpx.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) diffPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From models.BundleDoc `json:"from"`
		To   models.BundleDoc `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	diff := policybundle.Compare(body.From, body.To)
	httpx.WriteJSON(w, http.StatusOK, diff)
}

func (s *Server) applyPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Raw       string                 `json:"raw_yaml"`
		Signature *models.BundleSignature `json:"signature,omitempty"`
		Strategy  policybundle.ApplyStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	compiled, err := policybundle.FromBytesWithResolver(r.Context(), []byte(body.Raw), body.Signature, s.Resolver, s.RequireSignature)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, policybundle.ErrSignatureInvalid) {
			reason = "signature_invalid"
		}
		s.audit(r.Context(), models.AuditEntry{
			Subject: principalSubject(r.Context()), Tool: "admin.policy_bundle",
			Event: "bundle_apply_failed", Decision: models.DecisionDeny,
			ResultMeta: "reason=" + reason + ": " + err.Error(),
		})
		httpx.Error(w, http.StatusUnprocessableEntity, "bundle rejected: "+err.Error())
		return
	}
	if err := s.Bundles.Apply(body.Strategy, compiled); err != nil {
		s.audit(r.Context(), models.AuditEntry{
			Subject: principalSubject(r.Context()), Tool: "admin.policy_bundle",
			Event: "bundle_apply_failed", Decision: models.DecisionDeny,
			Rule: compiled.Bundle.Version, ResultMeta: "reason=" + err.Error(),
		})
		if errors.Is(err, policybundle.ErrVersionConflict) {
			httpx.Error(w, http.StatusConflict, err.Error())
			return
		}
		httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.audit(r.Context(), models.AuditEntry{
		Subject: principalSubject(r.Context()), Tool: "admin.policy_bundle",
		Event: "bundle_applied", Decision: models.DecisionAllow, Rule: compiled.Bundle.Version,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"version": compiled.Bundle.Version, "status": "applied"})
}

// putPolicyPin pins a tenant to a specific already-applied bundle version,
// overriding the active/canary rollout for that tenant only until the pin
// is replaced by a later apply's "explicit" strategy or another pin.
func (s *Server) putPolicyPin(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Version == "" {
		httpx.Error(w, http.StatusBadRequest, "version is required")
		return
	}
	if err := s.Bundles.SetTenantPin(tenant, body.Version); err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r.Context(), models.AuditEntry{
		Tenant: tenant, Subject: principalSubject(r.Context()), Tool: "admin.policy_pin",
		Event: "policy_pin_updated", Decision: models.DecisionAllow, Rule: body.Version,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"tenant": tenant, "version": body.Version})
}
