package httpapi

import (
	"net/http"
	"strings"

	"housecup.org/internal/ledger"
)

type ensureMemberRequest struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Remark string `json:"remark"`
}

type transferRequest struct {
	FromGroupID string `json:"from_group_id"`
	GroupID     string `json:"group_id"`
}

type bulkCreateRequest struct {
	Emails []string `json:"emails"`
	Text   string   `json:"text"`
}

// memberParam resolves the {id} path value; "me" names the caller.
func memberParam(r *http.Request) string {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "me" {
		id = actorID(r)
	}
	return id
}

func (a *API) ensureMember(w http.ResponseWriter, r *http.Request) {
	var req ensureMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, created, err := a.ledger.EnsureMember(r.Context(), ledger.NewMember{
		ID:     actorID(r),
		Email:  req.Email,
		Name:   req.Name,
		Avatar: req.Avatar,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, m)
		return
	}
	a.audit(r.Context(), "member.create", map[string]any{"member_id": m.ID, "external_id": m.ExternalID})
	w.Header().Set("Location", "/v1/members/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) getMember(w http.ResponseWriter, r *http.Request) {
	m, err := a.ledger.GetMember(r.Context(), memberParam(r))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	id := memberParam(r)
	if err := a.ledger.RemoveMember(r.Context(), actorID(r), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "member.remove", map[string]any{"member_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), ledger.MaxHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.ledger.History(r.Context(), memberParam(r), limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "as_of": asOf()})
}

func (a *API) adjustPoints(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := memberParam(r)
	m, err := a.ledger.AdjustPoints(r.Context(), id, req.Delta, req.Remark, actorID(r))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "points.adjust", map[string]any{
		"member_id": id,
		"delta":     req.Delta,
		"balance":   m.Points,
	})
	writeJSON(w, http.StatusOK, m)
}

func (a *API) transferMembership(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := memberParam(r)
	m, err := a.ledger.TransferMembership(r.Context(), actorID(r), id,
		strings.TrimSpace(req.FromGroupID), strings.TrimSpace(req.GroupID))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "member.transfer", map[string]any{
		"member_id":     id,
		"from_group_id": req.FromGroupID,
		"group_id":      m.GroupID,
	})
	writeJSON(w, http.StatusOK, m)
}

func (a *API) bulkCreateMembers(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	emails := append(req.Emails, ledger.ParseIdentifiers(req.Text)...)
	if len(emails) == 0 {
		writeError(w, r, http.StatusBadRequest, "emails or text is required")
		return
	}
	report, err := a.ledger.BulkCreateMembers(r.Context(), actorID(r), emails)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "member.bulk_create", map[string]any{
		"created": len(report.Successful),
		"failed":  len(report.Failed),
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *API) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), ledger.MaxHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	members, err := a.ledger.TopMembers(r.Context(), limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members, "as_of": asOf()})
}
