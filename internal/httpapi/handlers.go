// Package httpapi exposes the points ledger over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"housecup.org/internal/audit"
	"housecup.org/internal/auth"
	"housecup.org/internal/ledger"
	"housecup.org/internal/obs"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

// ReadyChecker reports whether the backing services answer.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// Options configures the optional collaborators of the API.
type Options struct {
	// Tokens verifies bearer tokens. When nil the acting member is read
	// from the X-Member-ID header, which is only fit for development.
	Tokens     *auth.Tokens
	Stream     *stream.Stream
	Ready      ReadyChecker
	Logger     *slog.Logger
	RatePerSec int
	RateBurst  int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	ledger     ledger.Service
	tokens     *auth.Tokens
	stream     *stream.Stream
	ready      ReadyChecker
	log        *slog.Logger
	version    string
	ratePerSec int
	rateBurst  int
}

func New(svc ledger.Service, version string, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		ledger:     svc,
		tokens:     opts.Tokens,
		stream:     opts.Stream,
		ready:      opts.Ready,
		log:        opts.Logger,
		version:    version,
		ratePerSec: opts.RatePerSec,
		rateBurst:  opts.RateBurst,
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/members", a.ensureMember)
	a.mux.HandleFunc("POST /v1/members/bulk", a.bulkCreateMembers)
	a.mux.HandleFunc("GET /v1/members/{id}", a.getMember)
	a.mux.HandleFunc("DELETE /v1/members/{id}", a.removeMember)
	a.mux.HandleFunc("GET /v1/members/{id}/history", a.history)
	a.mux.HandleFunc("POST /v1/members/{id}/points", a.adjustPoints)
	a.mux.HandleFunc("PUT /v1/members/{id}/group", a.transferMembership)
	a.mux.HandleFunc("POST /v1/points/bulk", a.bulkAdjust)
	a.mux.HandleFunc("GET /v1/leaderboard", a.leaderboard)

	a.mux.HandleFunc("GET /v1/groups", a.listGroups)
	a.mux.HandleFunc("POST /v1/groups", a.createGroup)
	a.mux.HandleFunc("GET /v1/groups/{id}", a.getGroup)
	a.mux.HandleFunc("DELETE /v1/groups/{id}", a.deleteGroup)
	a.mux.HandleFunc("PUT /v1/groups/{id}/manager", a.reassignManager)
	a.mux.HandleFunc("GET /v1/groups/{id}/members", a.groupMembers)

	a.mux.HandleFunc("POST /v1/admin/backfill", a.backfill)
	a.mux.HandleFunc("GET /v1/events", a.Stream)

	return a
}

// Handler returns the API with its middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "housecup-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Ready(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.Log(ctx, a.log, event, fields); err != nil {
		a.log.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.Any("err", err))
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return val, nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case policy.IsDenied(err):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func asOf() string { return time.Now().UTC().Format(time.RFC3339) }
