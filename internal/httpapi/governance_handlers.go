package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/approval"
	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/auth"
	"github.com/czhaoca/pathfinder-sub004/internal/credtoken"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/rbac"
)

func actorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		respondErrorMsg(w, http.StatusUnauthorized, "unauthorized", "missing authenticated user")
		return "", false
	}
	return id, true
}

// --- roles ---

func (a *API) AssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		RoleName string `json:"role_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := a.roles.AssignRole(r.Context(), req.UserID, req.RoleName, actor); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID   string `json:"user_id"`
		RoleName string `json:"role_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := a.roles.RevokeRole(r.Context(), req.UserID, req.RoleName, actor); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) UserRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}
	assignments, err := a.roles.ActiveRoles(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": assignments})
}

func (a *API) UserPermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}
	allowed, err := a.roles.HasPermission(r.Context(), r.PathValue("id"), r.PathValue("code"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

// --- approvals ---

func (a *API) CreateApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req struct {
		Action        string `json:"action"`
		TargetUserID  string `json:"target_user_id"`
		ToRole        string `json:"to_role,omitempty"`
		Justification string `json:"justification"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	created, err := a.approvals.Create(r.Context(), approval.CreateRequest{
		Action:        approval.ActionKind(req.Action),
		TargetUserID:  req.TargetUserID,
		ToRole:        req.ToRole,
		InitiatorID:   actor,
		Justification: req.Justification,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) ListApprovals(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := a.approvals.List(r.Context(), approval.ListFilter{
		Status:       approval.Status(q.Get("status")),
		TargetUserID: q.Get("target_user_id"),
		InitiatorID:  q.Get("initiator_id"),
		Limit:        limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (a *API) GetApproval(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	req, err := a.approvals.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	votes, err := a.approvals.Votes(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": req, "votes": votes})
}

func (a *API) CastVote(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	updated, err := a.approvals.Vote(r.Context(), r.PathValue("id"), actor, approval.Decision(req.Decision), req.Comment)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) CancelApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	updated, err := a.approvals.Cancel(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- credential tokens ---

func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if err := a.requirePermission(r, actor, rbac.PermTokensIssue); err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		UserID     string `json:"user_id"`
		Type       string `json:"type"`
		Reason     string `json:"reason,omitempty"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	plaintext, tok, err := a.tokens.Issue(r.Context(), credtoken.IssueRequest{
		UserID: req.UserID,
		Type:   credtoken.Type(req.Type),
		Reason: req.Reason,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	// The plaintext appears in this response exactly once and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{"token": plaintext, "metadata": tok})
}

func (a *API) RedeemToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	red, err := a.tokens.Redeem(r.Context(), req.Token)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

// --- deletions ---

func (a *API) ScheduleDeletion(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
		// SkipCoolingOff purges instantly; top rank only.
		SkipCoolingOff bool `json:"skip_cooling_off,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.SkipCoolingOff {
		record, err := a.deletions.PurgeImmediately(r.Context(), req.UserID, actor, req.Reason)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
		return
	}
	created, err := a.approvals.Create(r.Context(), approval.CreateRequest{
		Action:        approval.ActionDelete,
		TargetUserID:  req.UserID,
		InitiatorID:   actor,
		Justification: req.Reason,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) CancelDeletion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	record, err := a.deletions.Cancel(r.Context(), req.Token)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// --- audit ---

func (a *API) QueryAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if err := a.requirePermission(r, actor, rbac.PermAuditRead); err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:   q.Get("actor_id"),
		TargetID:  q.Get("target_id"),
		EventType: q.Get("event_type"),
		Severity:  audit.Severity(q.Get("severity")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, fmt.Errorf("%w: bad from timestamp", governance.ErrValidation))
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, fmt.Errorf("%w: bad to timestamp", governance.ErrValidation))
			return
		}
		f.To = t
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := a.ledger.Query(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if err := a.requirePermission(r, actor, rbac.PermAuditVerify); err != nil {
		respondError(w, err)
		return
	}
	q := r.URL.Query()
	fromSeq, _ := strconv.ParseUint(q.Get("from_seq"), 10, 64)
	toSeq, _ := strconv.ParseUint(q.Get("to_seq"), 10, 64)

	res, err := a.ledger.VerifyChain(r.Context(), fromSeq, toSeq)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) requirePermission(r *http.Request, actor, perm string) error {
	allowed, err := a.roles.HasPermission(r.Context(), actor, perm)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s requires %s", governance.ErrPermissionDenied, r.URL.Path, perm)
	}
	return nil
}
