package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amacisaac222/toolgate/pkg/admin"
	"github.com/amacisaac222/toolgate/pkg/approval"
	"github.com/amacisaac222/toolgate/pkg/audit"
	"github.com/amacisaac222/toolgate/pkg/auth"
	"github.com/amacisaac222/toolgate/pkg/budget"
	"github.com/amacisaac222/toolgate/pkg/callback"
	"github.com/amacisaac222/toolgate/pkg/hardening"
	"github.com/amacisaac222/toolgate/pkg/httpx"
	"github.com/amacisaac222/toolgate/pkg/metrics"
	"github.com/amacisaac222/toolgate/pkg/models"
	"github.com/amacisaac222/toolgate/pkg/pipeline"
	"github.com/amacisaac222/toolgate/pkg/policybundle"
	"github.com/amacisaac222/toolgate/pkg/ratelimit"
	"github.com/amacisaac222/toolgate/pkg/store"
	"github.com/amacisaac222/toolgate/pkg/telemetry"
	"github.com/amacisaac222/toolgate/pkg/transport"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// gatewayDeps bundles the Redis client in both its raw form (for the
// token-bucket limiter's Lua script) and wrapped as a Coordinator (for
// budgets, approvals, and admin config), so a single connection backs all
// three.
type gatewayDeps struct {
	client *redis.Client
	coord  store.Coordinator
}

// Testable variables for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnG       func(context.Context) (*pgxpool.Pool, func(), error)
	openRedisFnG    func(context.Context) (*gatewayDeps, func(), error)
	listenFnG       func(*http.Server) error
)

func main() {
	mode := flag.String("transport", "http", "transport to serve: http or stdio")
	flag.Parse()
	if err := runGateway(*mode, initTelemetryFn, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	mode string,
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (*pgxpool.Pool, func(), error),
	openRedis func(context.Context) (*gatewayDeps, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (*pgxpool.Pool, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = func(ctx context.Context) (*gatewayDeps, func(), error) {
			client, err := store.NewRedis(ctx)
			if err != nil {
				return nil, nil, err
			}
			return &gatewayDeps{client: client, coord: store.NewRedisCoordinator(client, 0)}, func() { _ = client.Close() }, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	authSecret := env("OIDC_HS256_SECRET", env("DEV_JWT_SECRET", ""))
	callbackSecret := env("CALLBACK_SIGNING_SECRET", "")

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "CALLBACK_SIGNING_SECRET", Value: callbackSecret},
		},
	}); err != nil {
		return err
	}

	pool, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	deps, closeRedis, err := openRedis(ctx)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		defer closeRedis()
	}

	publicKey, err := parsePublicKeyB64(env("POLICY_PUBLIC_KEY_B64", ""))
	if err != nil {
		return err
	}
	requireSignature := isTrue(env("POLICY_REQUIRE_SIGNATURE", "false"))
	bundles := policybundle.NewStore(publicKey, requireSignature)
	policyFile := env("POLICY_FILE", "")
	if policyFile != "" {
		compiled, err := policybundle.Load(policyFile, env("POLICY_SIG_PATH", policyFile+".sig"), publicKey, requireSignature)
		if err != nil {
			return err
		}
		bundles.Bootstrap(compiled)
	}

	budgets := budget.NewLedger(deps.coord)
	approvals := approval.NewWorkflow(deps.coord, nil)
	limiter := ratelimit.NewRedis(deps.client)
	auditWriter := &audit.Writer{DB: pool, Pool: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))}
	adminSrv := admin.New(bundles, budgets, deps.coord, requireSignature)
	adminSrv.Audit = auditWriter
	if vaultAddr := env("VAULT_ADDR", ""); vaultAddr != "" {
		adminSrv.Resolver = auth.BundleKeyResolver{Store: auth.VaultTransitKeyStore{
			Addr:      vaultAddr,
			Token:     env("VAULT_TOKEN", ""),
			Namespace: env("VAULT_NAMESPACE", ""),
			Transit:   env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix: env("VAULT_KEY_PREFIX", ""),
			Timeout:   envDurationSec("VAULT_TIMEOUT_SECONDS", 2),
		}}
	}
	reg := metrics.NewRegistry()

	pl := pipeline.New(limiter, bundles, budgets, approvals, auditWriter, pipeline.Config{
		BudgetName:          env("BUDGET_NAME", "cloud_usd"),
		ApprovalSyncWaitMS:  envInt("APPROVAL_SYNC_WAIT_MS", 0),
		DefaultApproverTTLS: envInt("APPROVAL_TTL_SECONDS", 900),
	})

	disp := transport.NewDispatcher(pl, transport.ServerInfo{
		Name:            "toolgate",
		Version:         env("GATEWAY_VERSION", "dev"),
		ProtocolVersion: "2024-11-05",
	}, func(tenant string) float64 {
		bucket, found, err := adminSrv.RateLimitFor(context.Background(), tenant)
		if err != nil || !found {
			return envFloat("DEFAULT_CAPACITY_QPS", 5)
		}
		return bucket.CapacityQPS
	})

	if strings.EqualFold(mode, "stdio") {
		principal := models.Principal{Tenant: env("STDIO_TENANT", "default"), Subject: env("STDIO_SUBJECT", "stdio"), Roles: []string{models.RoleAdmin}}
		return disp.ServeStdio(ctx, os.Stdin, os.Stdout, log.New(os.Stderr, "", log.LstdFlags), principal)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(metricsMiddleware(reg))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/readyz", readyzHandler(pool, deps.coord))
	r.Get("/metrics", reg.PrometheusHandler())

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		authMode,
		authSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", env("DEV_ISSUER", ""))),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Post("/mcp", disp.HTTPHandler())
	authRouter.Get("/v1/audit", auditExportHandler(auditWriter))
	adminSrv.Routes(authRouter)
	r.Mount("/", authRouter)

	// /approvals/callback is reached from a chat-system callback link, not
	// a bearer-bearing API client, so it is intentionally not mounted under
	// authRouter: callback.Verify's HMAC check of (pending_id, approver_id,
	// action, exp) against the server secret is itself the "chat-system
	// signature verification" spec.md's §4.8 offers as an alternative to a
	// bearer token, and a caller with no Authorization header at all is the
	// expected case, not an oversight. When a request does carry a bearer
	// (e.g. an operator replaying the link through an authenticated API
	// client), approvalCallbackHandler still checks that its subject
	// matches approver_id.
	r.Get("/approvals/callback", approvalCallbackHandler(approvals, callbackSecret, reg, auditWriter))

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// metricsMiddleware records every HTTP response against the registry's
// http_requests_total counter and request_latency_seconds histogram.
func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			reg.ObserveHTTP(r.Method, r.URL.Path, sw.status)
			reg.ObserveLatency(r.URL.Path, time.Since(started))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func readyzHandler(pool *pgxpool.Pool, coord store.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				httpx.Error(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		if _, _, err := coord.Get(ctx, "readyz:probe"); err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "coordinator unreachable")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// auditExportHandler serves GET /v1/audit?frm=<epoch>&to=<epoch> (§6), a
// chain-ordered JSON array export viewers and admins can both read.
func auditExportHandler(w *audit.Writer) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || !auth.HasAnyRole(principal, models.RoleAdmin, models.RoleViewer) {
			httpx.Error(rw, http.StatusForbidden, "forbidden")
			return
		}
		frm, err1 := parseEpoch(r.URL.Query().Get("frm"))
		to, err2 := parseEpoch(r.URL.Query().Get("to"))
		if err1 != nil || err2 != nil {
			httpx.Error(rw, http.StatusBadRequest, "frm/to must be epoch seconds")
			return
		}
		entries, err := w.Export(r.Context(), frm, to)
		if err != nil {
			httpx.Error(rw, http.StatusServiceUnavailable, "audit store unavailable")
			return
		}
		httpx.WriteJSON(rw, http.StatusOK, entries)
	}
}

func parseEpoch(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

// approvalCallbackHandler implements C8: verify the signed token, verify
// the approver matches, then hand off to C4's record-decision operation.
// Idempotent by construction — Workflow.Decide is a no-op on an
// already-terminal record. This is the only path a production chat-system
// callback reaches Decide through, so it audits the per-approver decision
// and, when the decision resolves the record, the terminal transition —
// the same two entries pipeline.handleApproval writes for the synchronous
// in-process wait path.
func approvalCallbackHandler(approvals *approval.Workflow, secret string, reg *metrics.Registry, auditor admin.AuditAppender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("t")
		if token == "" {
			httpx.Error(w, http.StatusBadRequest, "missing t")
			return
		}
		payload, err := callback.Verify(token, secret, time.Now().UTC())
		if err != nil {
			if errors.Is(err, callback.ErrExpired) {
				httpx.Error(w, http.StatusGone, "callback token expired")
				return
			}
			httpx.Error(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if ok && principal.Subject != "" && principal.Subject != payload.ApproverID {
			httpx.Error(w, http.StatusForbidden, "caller does not match approver_id")
			return
		}
		before, foundBefore, _ := approvals.Get(r.Context(), payload.PendingID)
		wasPending := foundBefore && before.Status == models.ApprovalStatusPending

		decided, err := approvals.Decide(r.Context(), payload.PendingID, payload.ApproverID, payload.Action, "")
		if err != nil {
			if models.IsKind(err, models.KindForbidden) {
				httpx.Error(w, http.StatusForbidden, err.Error())
				return
			}
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if wasPending {
			appendCallbackAudit(r.Context(), auditor, models.AuditEntry{
				Tenant: decided.Tenant, Subject: payload.ApproverID, Tool: decided.Tool,
				Event: payload.Action, Decision: models.DecisionApproval,
				Approver: payload.ApproverID, RequestID: payload.PendingID,
			})
			if decided.Status != models.ApprovalStatusPending {
				terminalDecision := models.DecisionDeny
				if decided.Status == models.ApprovalStatusAllow {
					terminalDecision = models.DecisionAllow
				}
				appendCallbackAudit(r.Context(), auditor, models.AuditEntry{
					Tenant: decided.Tenant, Subject: decided.Requester, Tool: decided.Tool,
					Event: "approval_terminal", Decision: terminalDecision,
					Approver: payload.ApproverID, RequestID: payload.PendingID,
				})
			}
		}
		if decided.Status != models.ApprovalStatusPending {
			reg.DecApprovalsPending()
		}
		httpx.WriteJSON(w, http.StatusOK, decided)
	}
}

func appendCallbackAudit(ctx context.Context, auditor admin.AuditAppender, entry models.AuditEntry) {
	if auditor == nil {
		return
	}
	entry.Ts = time.Now().UTC()
	if _, err := auditor.Append(ctx, entry, nil); err != nil {
		log.Printf("approval callback: audit append failed for event %s: %v", entry.Event, err)
	}
}

func parsePublicKeyB64(raw string) (ed25519.PublicKey, error) {
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(decoded), nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isTrue(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
