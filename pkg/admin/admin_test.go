package admin

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amacisaac222/toolgate/pkg/auth"
	"github.com/amacisaac222/toolgate/pkg/budget"
	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/policybundle"
	"github.com/amacisaac222/toolgate/pkg/store"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

func newServer(t *testing.T) (*Server, *chi.Mux) {
	t.Helper()
	coord := store.NewMemoryCoordinator()
	bundles := policybundle.NewStore(nil, false)
	doc := models.BundleDoc{
		Version:  "v1",
		Defaults: models.Defaults{Decision: models.DecisionDeny},
		Rules:    []models.Rule{{Name: "allow-http", Match: "net.http", Action: models.DecisionAllow}},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	compiled, err := policybundle.FromBytes(raw, nil, nil, false)
	if err != nil {
		t.Fatalf("compile bundle: %v", err)
	}
	bundles.Bootstrap(compiled)

	s := New(bundles, budget.NewLedger(coord), coord, false)
	r := chi.NewRouter()
	s.Routes(r)
	return s, r
}

func withPrincipal(req *http.Request, p models.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestPutAndGetRateLimitRoundTrip(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	body, _ := json.Marshal(map[string]float64{"capacity_qps": 5})
	put := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/rate-limit", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, put)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	get := withPrincipal(httptest.NewRequest(http.MethodGet, "/admin/tenants/acme/rate-limit", nil), admin)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, get)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var bucket models.TokenBucket
	if err := json.Unmarshal(rr.Body.Bytes(), &bucket); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bucket.CapacityQPS != 5 {
		t.Fatalf("expected capacity 5, got %v", bucket.CapacityQPS)
	}
}

func TestRateLimitRequiresAdminRole(t *testing.T) {
	_, r := newServer(t)
	viewer := models.Principal{Tenant: "acme", Subject: "viewer1", Roles: []string{models.RoleViewer}}
	body, _ := json.Marshal(map[string]float64{"capacity_qps": 5})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/rate-limit", bytes.NewReader(body)), viewer)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	_, r := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/tenants/acme/rate-limit", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPutAndGetQuotaRoundTrip(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	spec := models.BudgetSpec{Name: "cloud_usd", Period: "day", LimitUSD: 25}
	body, _ := json.Marshal(spec)
	put := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/quota", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, put)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	get := withPrincipal(httptest.NewRequest(http.MethodGet, "/admin/tenants/acme/quota/cloud_usd", nil), admin)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, get)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out struct {
		Spec    models.BudgetSpec    `json:"spec"`
		Counter models.BudgetCounter `json:"counter"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Spec.LimitUSD != 25 {
		t.Fatalf("expected limit_usd 25, got %v", out.Spec.LimitUSD)
	}
	if out.Counter.UsedUSD != 0 {
		t.Fatalf("expected fresh counter at 0, got %v", out.Counter.UsedUSD)
	}
}

func TestRBACAssignAndRead(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	body, _ := json.Marshal(map[string][]string{"roles": {models.RoleApprover, models.RoleViewer}})
	put := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/rbac/acme/users/alice", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, put)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	get := withPrincipal(httptest.NewRequest(http.MethodGet, "/admin/rbac/acme/users/alice", nil), admin)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, get)
	var out rbacAssignment
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Roles) != 2 || out.Roles[0] != models.RoleApprover {
		t.Fatalf("unexpected roles: %+v", out.Roles)
	}
}

func TestRBACRejectsUnknownRole(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	body, _ := json.Marshal(map[string][]string{"roles": {"superuser"}})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/rbac/acme/users/alice", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRolesForReturnsAssignedRoles(t *testing.T) {
	s, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	body, _ := json.Marshal(map[string][]string{"roles": {models.RoleViewer}})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/rbac/acme/users/bob", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	roles, err := s.RolesFor(context.Background(), "acme", "bob")
	if err != nil {
		t.Fatalf("RolesFor: %v", err)
	}
	if len(roles) != 1 || roles[0] != models.RoleViewer {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestSimulatePolicyReturnsDecision(t *testing.T) {
	_, r := newServer(t)
	viewer := models.Principal{Tenant: "acme", Subject: "viewer1", Roles: []string{models.RoleViewer}}
	payload, _ := json.Marshal(map[string]any{
		"tenant":    "acme",
		"tool_call": models.ToolCall{Tenant: "acme", Subject: "agent1", Tool: "net.http", Arguments: json.RawMessage(`{}`)},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/simulate", bytes.NewReader(payload)), viewer)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var decision models.Decision
	if err := json.Unmarshal(rr.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Outcome != models.DecisionAllow {
		t.Fatalf("expected allow, got %s", decision.Outcome)
	}
}

func TestDiffPolicyReportsAddedRule(t *testing.T) {
	_, r := newServer(t)
	viewer := models.Principal{Tenant: "acme", Subject: "viewer1", Roles: []string{models.RoleViewer}}
	from := models.BundleDoc{Version: "v1", Defaults: models.Defaults{Decision: models.DecisionDeny}}
	to := models.BundleDoc{
		Version:  "v2",
		Defaults: models.Defaults{Decision: models.DecisionDeny},
		Rules:    []models.Rule{{Name: "new-rule", Match: "fs.read", Action: models.DecisionAllow}},
	}
	payload, _ := json.Marshal(map[string]models.BundleDoc{"from": from, "to": to})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/diff", bytes.NewReader(payload)), viewer)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var diff policybundle.Diff
	if err := json.Unmarshal(rr.Body.Bytes(), &diff); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0].Rule.Name != "new-rule" {
		t.Fatalf("expected one added rule, got %+v", diff.Added)
	}
}

func TestApplyPolicyInstallsNewVersion(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	doc := models.BundleDoc{
		Version:  "v2",
		Defaults: models.Defaults{Decision: models.DecisionDeny},
		Rules:    []models.Rule{{Name: "allow-fs", Match: "fs.read", Action: models.DecisionAllow}},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"raw_yaml": string(raw),
		"strategy": policybundle.ApplyStrategy{Kind: "active"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(payload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

type fakeKeyResolver struct {
	keys map[string]ed25519.PublicKey
}

func (f fakeKeyResolver) GetKey(_ context.Context, kid string) ([]byte, error) {
	return f.keys[kid], nil
}

func TestApplyPolicyVerifiesAgainstResolverKey(t *testing.T) {
	s, r := newServer(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fp := policybundle.Fingerprint(pub)
	s.Resolver = fakeKeyResolver{keys: map[string]ed25519.PublicKey{fp: pub}}
	s.RequireSignature = true

	doc := models.BundleDoc{
		Version:  "v3",
		Defaults: models.Defaults{Decision: models.DecisionDeny},
		Rules:    []models.Rule{{Name: "allow-mail", Match: "mail.send", Action: models.DecisionAllow}},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sig := policybundle.Sign(raw, priv, fp, time.Now().UTC())

	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	payload, _ := json.Marshal(map[string]any{
		"raw_yaml":  string(raw),
		"signature": sig,
		"strategy":  policybundle.ApplyStrategy{Kind: "active"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(payload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestApplyPolicyRejectsWhenResolverKeyMismatches(t *testing.T) {
	s, r := newServer(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	fp := "expected-fingerprint"
	s.Resolver = fakeKeyResolver{keys: map[string]ed25519.PublicKey{fp: otherPub}}
	s.RequireSignature = true

	doc := models.BundleDoc{Version: "v4", Defaults: models.Defaults{Decision: models.DecisionDeny}}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sig := policybundle.Sign(raw, priv, fp, time.Now().UTC())

	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	payload, _ := json.Marshal(map[string]any{
		"raw_yaml":  string(raw),
		"signature": sig,
		"strategy":  policybundle.ApplyStrategy{Kind: "active"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(payload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a key mismatch, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestApplyPolicyRejectsDuplicateVersion(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}
	doc := models.BundleDoc{Version: "v1", Defaults: models.Defaults{Decision: models.DecisionDeny}}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"raw_yaml": string(raw),
		"strategy": policybundle.ApplyStrategy{Kind: "active"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(payload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

type fakeAuditor struct {
	entries []models.AuditEntry
}

func (f *fakeAuditor) Append(_ context.Context, entry models.AuditEntry, _ json.RawMessage) (models.AuditEntry, error) {
	f.entries = append(f.entries, entry)
	return entry, nil
}

func TestPutRateLimitAudits(t *testing.T) {
	s, r := newServer(t)
	aud := &fakeAuditor{}
	s.Audit = aud
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	body, _ := json.Marshal(map[string]float64{"capacity_qps": 5})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/rate-limit", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(aud.entries) != 1 || aud.entries[0].Event != "rate_limit_updated" || aud.entries[0].Subject != "ops" {
		t.Fatalf("expected one rate_limit_updated entry for ops, got %+v", aud.entries)
	}
}

func TestPutQuotaAudits(t *testing.T) {
	s, r := newServer(t)
	aud := &fakeAuditor{}
	s.Audit = aud
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	body, _ := json.Marshal(models.BudgetSpec{Name: "cloud_usd", LimitUSD: 15, Period: "day"})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/quota", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(aud.entries) != 1 || aud.entries[0].Event != "quota_updated" {
		t.Fatalf("expected one quota_updated entry, got %+v", aud.entries)
	}
}

func TestPutRBACAudits(t *testing.T) {
	s, r := newServer(t)
	aud := &fakeAuditor{}
	s.Audit = aud
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	body, _ := json.Marshal(map[string][]string{"roles": {models.RoleViewer}})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/rbac/acme/users/alice", bytes.NewReader(body)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(aud.entries) != 1 || aud.entries[0].Event != "rbac_updated" {
		t.Fatalf("expected one rbac_updated entry, got %+v", aud.entries)
	}
}

func TestApplyPolicyAuditsSuccessAndFailure(t *testing.T) {
	s, r := newServer(t)
	aud := &fakeAuditor{}
	s.Audit = aud
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	doc := models.BundleDoc{Version: "v2", Defaults: models.Defaults{Decision: models.DecisionDeny}}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"raw_yaml": string(raw),
		"strategy": policybundle.ApplyStrategy{Kind: "active"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(payload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(aud.entries) != 1 || aud.entries[0].Event != "bundle_applied" {
		t.Fatalf("expected one bundle_applied entry, got %+v", aud.entries)
	}

	badPayload, _ := json.Marshal(map[string]any{
		"raw_yaml": "not: valid: yaml: [",
		"strategy": policybundle.ApplyStrategy{Kind: "active"},
	})
	req = withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(badPayload)), admin)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(aud.entries) != 2 || aud.entries[1].Event != "bundle_apply_failed" {
		t.Fatalf("expected a second bundle_apply_failed entry, got %+v", aud.entries)
	}
}

func TestPutPolicyPinOverridesResolutionForTenant(t *testing.T) {
	s, r := newServer(t)
	aud := &fakeAuditor{}
	s.Audit = aud
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	doc := models.BundleDoc{
		Version:  "v2",
		Defaults: models.Defaults{Decision: models.DecisionDeny},
		Rules:    []models.Rule{{Name: "allow-fs", Match: "fs.read", Action: models.DecisionAllow}},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	applyPayload, _ := json.Marshal(map[string]any{
		"raw_yaml": string(raw),
		"strategy": policybundle.ApplyStrategy{Kind: "explicit"},
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/v1/policy/apply", bytes.NewReader(applyPayload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 applying v2, got %d: %s", rr.Code, rr.Body.String())
	}

	pinPayload, _ := json.Marshal(map[string]string{"version": "v2"})
	req = withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/policy-pin", bytes.NewReader(pinPayload)), admin)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 pinning acme to v2, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(aud.entries) != 2 || aud.entries[0].Event != "bundle_applied" || aud.entries[1].Event != "policy_pin_updated" {
		t.Fatalf("expected bundle_applied then policy_pin_updated entries, got %+v", aud.entries)
	}

	if got := s.Bundles.Resolver().Resolve("acme"); got != "v2" {
		t.Fatalf("expected acme to resolve to the pinned v2, got %q", got)
	}
	if got := s.Bundles.Resolver().Resolve("other-tenant"); got != "v1" {
		t.Fatalf("expected an unpinned tenant to still resolve to the active v1, got %q", got)
	}
}

func TestPutPolicyPinRejectsUnknownVersion(t *testing.T) {
	_, r := newServer(t)
	admin := models.Principal{Tenant: "acme", Subject: "ops", Roles: []string{models.RoleAdmin}}

	pinPayload, _ := json.Marshal(map[string]string{"version": "v9"})
	req := withPrincipal(httptest.NewRequest(http.MethodPut, "/admin/tenants/acme/policy-pin", bytes.NewReader(pinPayload)), admin)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown version, got %d: %s", rr.Code, rr.Body.String())
	}
}
