// Package httpapi is the thin admin surface over the governance core:
// one route per operation, no business logic in handlers.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
	"github.com/czhaoca/pathfinder-sub004/internal/deletion"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

// ReadyProbe checks dependencies for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	roles     *rbac.Service
	approvals *approval.Engine
	tokens    *credtoken.Service
	deletions *deletion.Scheduler
	ledger    audit.Ledger
}

// New wires the admin surface over the governance services.
func New(rp ReadyProbe, version string, roles *rbac.Service, approvals *approval.Engine, tokens *credtoken.Service, deletions *deletion.Scheduler, ledger audit.Ledger) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		roles:      roles,
		approvals:  approvals,
		tokens:     tokens,
		deletions:  deletions,
		ledger:     ledger,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// roles
	a.mux.HandleFunc("POST /v1/roles/assign", a.AssignRole)
	a.mux.HandleFunc("POST /v1/roles/revoke", a.RevokeRole)
	a.mux.HandleFunc("GET /v1/users/{id}/roles", a.UserRoles)
	a.mux.HandleFunc("GET /v1/users/{id}/permissions/{code}", a.UserPermission)

	// approvals
	a.mux.HandleFunc("POST /v1/approvals", a.CreateApproval)
	a.mux.HandleFunc("GET /v1/approvals", a.ListApprovals)
	a.mux.HandleFunc("GET /v1/approvals/{id}", a.GetApproval)
	a.mux.HandleFunc("POST /v1/approvals/{id}/votes", a.CastVote)
	a.mux.HandleFunc("POST /v1/approvals/{id}/cancel", a.CancelApproval)

	// credential tokens
	a.mux.HandleFunc("POST /v1/tokens", a.IssueToken)
	a.mux.HandleFunc("POST /v1/tokens/redeem", a.RedeemToken)

	// deletions
	a.mux.HandleFunc("POST /v1/deletions", a.ScheduleDeletion)
	a.mux.HandleFunc("POST /v1/deletions/cancel", a.CancelDeletion)

	// audit
	a.mux.HandleFunc("GET /v1/audit", a.QueryAudit)
	a.mux.HandleFunc("GET /v1/audit/verify", a.VerifyAudit)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- system handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pathfinder-governance",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "pathfinder-governance",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
