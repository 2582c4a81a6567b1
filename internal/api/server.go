package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/config"
	"github.com/arnavxdyt/dc-bot/internal/engine"
	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/giveaway"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

const tenantHeader = "X-Tenant-ID"

// Lifecycle is the slice of the engine the command surface uses. The
// surface passes an authenticated tenant id and never re-validates points;
// that policy lives with the caller per the engine contract.
type Lifecycle interface {
	Provision(ctx context.Context, in engine.ProvisionInput) (store.UnitRecord, error)
	Get(caller, id string) (store.UnitRecord, error)
	List() []store.UnitRecord
	ListFor(tenant string) []store.UnitRecord
	Start(ctx context.Context, caller, id string) (store.UnitRecord, error)
	Stop(ctx context.Context, caller, id string) (store.UnitRecord, error)
	Restart(ctx context.Context, caller, id string) (store.UnitRecord, error)
	Renew(ctx context.Context, caller, id string) (store.UnitRecord, error)
	Remove(ctx context.Context, caller, id string) (store.UnitRecord, error)
	Share(caller, id, tenant string) (store.UnitRecord, error)
	Unshare(caller, id, tenant string) (store.UnitRecord, error)
	RegenerateCredential(ctx context.Context, caller, id string) (store.UnitRecord, error)
	AddPort(caller, id string, port int) (store.UnitRecord, error)
	Usage() engine.Usage
	Health(ctx context.Context) (int, error)
	Ready(ctx context.Context) error
	IsAdmin(tenant string) bool
}

type GiveawayEngine interface {
	Open(in giveaway.OpenInput) (store.GiveawayRecord, error)
	Get(id string) (store.GiveawayRecord, error)
	List() []store.GiveawayRecord
	Enter(id, tenant string) (store.GiveawayRecord, error)
}

type Server struct {
	cfg       config.Config
	engine    Lifecycle
	giveaways GiveawayEngine
	ledger    *store.Ledger
	renew     *store.RenewMode
	sink      *events.Sink
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, eng Lifecycle, ga GiveawayEngine, ledger *store.Ledger, renew *store.RenewMode, sink *events.Sink, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		giveaways: ga,
		ledger:    ledger,
		renew:     renew,
		sink:      sink,
		metrics:   reg,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	mux.HandleFunc("/v1/units", s.handleUnits)
	mux.HandleFunc("/v1/units/", s.handleUnitByID)
	mux.HandleFunc("/v1/tenants/", s.handleTenantByID)
	mux.HandleFunc("/v1/invites", s.handleInvites)
	mux.HandleFunc("/v1/renew-mode", s.handleRenewMode)
	mux.HandleFunc("/v1/giveaways", s.handleGiveaways)
	mux.HandleFunc("/v1/giveaways/", s.handleGiveawayByID)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/usage", s.handleUsage)
	return mux
}

func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(tenantHeader))
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	tenant := caller(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing "+tenantHeader+" header.", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		var items []store.UnitRecord
		if s.engine.IsAdmin(tenant) {
			items = s.engine.List()
		} else {
			items = s.engine.ListFor(tenant)
		}
		payloads := make([]UnitPayload, 0, len(items))
		for _, rec := range items {
			payloads = append(payloads, toUnitPayload(rec))
		}
		writeJSON(w, http.StatusOK, UnitListResponse{OK: true, Units: payloads})
	case http.MethodPost:
		var req CreateUnitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		owner := tenant
		if req.Owner != "" && s.engine.IsAdmin(tenant) {
			owner = req.Owner
		}
		rec, err := s.engine.Provision(r.Context(), engine.ProvisionInput{
			Owner:  owner,
			RAMGB:  req.RAMGB,
			CPU:    req.CPU,
			DiskGB: req.DiskGB,
			Paid:   req.Paid,
		})
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, UnitResponse{OK: true, Unit: toUnitPayload(rec)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleUnitByID(w http.ResponseWriter, r *http.Request) {
	tenant := caller(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Missing "+tenantHeader+" header.", nil)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/units/"), "/")
	unitID := parts[0]
	if unitID == "" {
		writeError(w, http.StatusNotFound, "not_found", "Unit not found.", nil)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			rec, err := s.engine.Get(tenant, unitID)
			if err != nil {
				s.writeEngineErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, UnitResponse{OK: true, Unit: toUnitPayload(rec)})
		case http.MethodDelete:
			rec, err := s.engine.Remove(r.Context(), tenant, unitID)
			if err != nil {
				s.writeEngineErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, UnitResponse{OK: true, Unit: toUnitPayload(rec)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		}
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}

	var (
		rec store.UnitRecord
		err error
	)
	switch parts[1] {
	case "start":
		rec, err = s.engine.Start(r.Context(), tenant, unitID)
	case "stop":
		rec, err = s.engine.Stop(r.Context(), tenant, unitID)
	case "restart":
		rec, err = s.engine.Restart(r.Context(), tenant, unitID)
	case "renew":
		rec, err = s.engine.Renew(r.Context(), tenant, unitID)
	case "ssh":
		rec, err = s.engine.RegenerateCredential(r.Context(), tenant, unitID)
	case "share", "unshare":
		var req ShareRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil || req.TenantID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must include tenant_id.", nil)
			return
		}
		if parts[1] == "share" {
			rec, err = s.engine.Share(tenant, unitID, req.TenantID)
		} else {
			rec, err = s.engine.Unshare(tenant, unitID, req.TenantID)
		}
	case "ports":
		var req PortRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must include port.", nil)
			return
		}
		rec, err = s.engine.AddPort(tenant, unitID, req.Port)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnitResponse{OK: true, Unit: toUnitPayload(rec)})
}

func (s *Server) handleTenantByID(w http.ResponseWriter, r *http.Request) {
	tenant := caller(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/tenants/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}
	target := parts[0]
	if tenant != target && !s.engine.IsAdmin(tenant) {
		writeError(w, http.StatusForbidden, "unauthorized", "Not allowed for this tenant.", nil)
		return
	}
	switch {
	case parts[1] == "ledger" && r.Method == http.MethodGet:
		rec, _ := s.ledger.Get(target)
		writeJSON(w, http.StatusOK, LedgerResponse{OK: true, TenantID: target, Ledger: rec})
	case parts[1] == "claim" && r.Method == http.MethodPost:
		claimed, err := s.ledger.ClaimInviteCredits(target)
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		rec, _ := s.ledger.Get(target)
		writeJSON(w, http.StatusOK, ClaimResponse{OK: true, Claimed: claimed, Points: rec.Points})
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
	}
}

func (s *Server) handleInvites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Referrer == "" || req.Referred == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must include referrer and referred.", nil)
		return
	}
	credited, err := s.ledger.CreditUniqueJoin(req.Referrer, req.Referred)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InviteResponse{OK: true, Credited: credited})
}

func (s *Server) handleRenewMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, RenewModeBody{Mode: s.renew.Mode()})
	case http.MethodPut:
		if !s.engine.IsAdmin(caller(r)) {
			writeError(w, http.StatusForbidden, "unauthorized", "Admin only.", nil)
			return
		}
		var req RenewModeBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		if err := s.renew.SetMode(req.Mode); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Mode must be \"15\" or \"30\".", nil)
			return
		}
		writeJSON(w, http.StatusOK, RenewModeBody{Mode: s.renew.Mode()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleGiveaways(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items := s.giveaways.List()
		payloads := make([]GiveawayPayload, 0, len(items))
		for _, rec := range items {
			payloads = append(payloads, toGiveawayPayload(rec))
		}
		writeJSON(w, http.StatusOK, GiveawayListResponse{OK: true, Giveaways: payloads})
	case http.MethodPost:
		if !s.engine.IsAdmin(caller(r)) {
			writeError(w, http.StatusForbidden, "unauthorized", "Admin only.", nil)
			return
		}
		var req OpenGiveawayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
			return
		}
		rec, err := s.giveaways.Open(giveaway.OpenInput{
			Prize:        req.Prize,
			EndTime:      req.EndTime,
			WinnerPolicy: req.WinnerPolicy,
			RAMGB:        req.RAMGB,
			CPU:          req.CPU,
			DiskGB:       req.DiskGB,
		})
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, GiveawayResponse{OK: true, Giveaway: toGiveawayPayload(rec)})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleGiveawayByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/giveaways/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found", "Giveaway not found.", nil)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, err := s.giveaways.Get(id)
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GiveawayResponse{OK: true, Giveaway: toGiveawayPayload(rec)})
	case len(parts) == 2 && parts[1] == "enter" && r.Method == http.MethodPost:
		tenant := caller(r)
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "Missing "+tenantHeader+" header.", nil)
			return
		}
		rec, err := s.giveaways.Enter(id, tenant)
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GiveawayResponse{OK: true, Giveaway: toGiveawayPayload(rec)})
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if !s.engine.IsAdmin(caller(r)) {
		writeError(w, http.StatusForbidden, "unauthorized", "Admin only.", nil)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": s.sink.Recent(limit)})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "usage": s.engine.Usage()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	active, err := s.engine.Health(r.Context())
	runtimeOK := err == nil
	s.metrics.SetActiveUnits(active)
	status := "ok"
	code := http.StatusOK
	if !runtimeOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:      status,
		Version:     s.cfg.Server.Version,
		Uptime:      int64(time.Since(s.startedAt).Seconds()),
		RuntimeOK:   runtimeOK,
		ActiveUnits: active,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	if err := s.engine.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, giveaway.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Resource not found.", nil)
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", "Caller lacks ownership, share or admin rights.", nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "Operation not valid in current lifecycle state.", nil)
	case errors.Is(err, giveaway.ErrClosed):
		writeError(w, http.StatusConflict, "giveaway_closed", "Giveaway is no longer accepting entries.", nil)
	case errors.Is(err, engine.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, "capacity_full", "Max concurrent units reached.", nil)
	case errors.Is(err, engine.ErrInvalidGrant), errors.Is(err, giveaway.ErrInvalidSpec):
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid resource grant or giveaway spec.", nil)
	case errors.Is(err, engine.ErrAllocationFailed):
		writeError(w, http.StatusBadGateway, "allocation_failed", "Unit allocation failed; no unit was created.", nil)
	case errors.Is(err, engine.ErrCredentialUnavailable):
		writeError(w, http.StatusBadGateway, "credential_unavailable", "Could not generate a fresh access credential.", nil)
	default:
		s.logger.Error("engine_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
