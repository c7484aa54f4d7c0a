package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"housecup.org/internal/ledger"
)

type bulkAdjustRequest struct {
	ExternalIDs []string `json:"external_ids"`
	Text        string   `json:"text"`
	Delta       int64    `json:"delta"`
	Remark      string   `json:"remark"`
}

type bulkAdjustResponse struct {
	*ledger.BulkReport
	Error string `json:"error,omitempty"`
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type reassignRequest struct {
	MemberID string `json:"member_id"`
}

func (a *API) bulkAdjust(w http.ResponseWriter, r *http.Request) {
	var req bulkAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ids := append(req.ExternalIDs, ledger.ParseIdentifiers(req.Text)...)
	if len(ids) == 0 {
		writeError(w, r, http.StatusBadRequest, "external_ids or text is required")
		return
	}
	report, err := a.ledger.BulkAdjust(r.Context(), ids, req.Delta, req.Remark, actorID(r))
	if err != nil && report == nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "points.bulk_adjust", map[string]any{
		"delta":      req.Delta,
		"requested":  len(ids),
		"successful": len(report.Successful),
		"failed":     len(report.Failed),
	})
	if err != nil {
		// the committed chunks are durable; report them with the failure
		code := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, bulkAdjustResponse{BulkReport: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, bulkAdjustResponse{BulkReport: report})
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.ledger.ListGroups(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups, "as_of": asOf()})
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.ledger.CreateGroup(r.Context(), actorID(r), req.Name)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.create", map[string]any{"group_id": g.ID, "name": g.Name})
	w.Header().Set("Location", "/v1/groups/"+g.ID)
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := a.ledger.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.ledger.DeleteGroup(r.Context(), actorID(r), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.delete", map[string]any{"group_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) reassignManager(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	g, err := a.ledger.ReassignManager(r.Context(), actorID(r), id, strings.TrimSpace(req.MemberID))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "group.reassign_manager", map[string]any{"group_id": id, "manager_id": g.ManagerID})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) groupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.ledger.GroupMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members, "as_of": asOf()})
}

func (a *API) backfill(w http.ResponseWriter, r *http.Request) {
	res, err := a.ledger.Backfill(r.Context(), actorID(r))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "member.backfill", map[string]any{"updated": res.Updated, "skipped": res.Skipped})
	writeJSON(w, http.StatusOK, res)
}
