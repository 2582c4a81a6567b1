package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/config"
	"github.com/arnavxdyt/dc-bot/internal/engine"
	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/giveaway"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

type fakeEngine struct {
	mu    sync.Mutex
	seq   int
	items map[string]store.UnitRecord
}

func newFakeEngine() *fakeEngine { return &fakeEngine{items: map[string]store.UnitRecord{}} }

func (f *fakeEngine) Provision(_ context.Context, in engine.ProvisionInput) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Owner == "" {
		return store.UnitRecord{}, engine.ErrInvalidGrant
	}
	f.seq++
	now := time.Now().UTC()
	rec := store.UnitRecord{
		UnitID:       fmt.Sprintf("unit%08d", f.seq),
		Owner:        in.Owner,
		SharedWith:   []string{},
		RAMGB:        in.RAMGB,
		CPU:          in.CPU,
		DiskGB:       in.DiskGB,
		Status:       store.StatusActive,
		PaidPlan:     in.Paid,
		GiveawayUnit: in.Giveaway,
		CreatedAt:    now,
		ExpiresAt:    now.Add(15 * 24 * time.Hour),
	}
	f.items[rec.UnitID] = rec
	return rec, nil
}

func (f *fakeEngine) get(caller, id string) (store.UnitRecord, error) {
	rec, ok := f.items[id]
	if !ok {
		return store.UnitRecord{}, engine.ErrNotFound
	}
	if caller != "admin" && rec.Owner != caller && !rec.SharedAmong(caller) {
		return store.UnitRecord{}, engine.ErrUnauthorized
	}
	return rec, nil
}

func (f *fakeEngine) Get(caller, id string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(caller, id)
}

func (f *fakeEngine) List() []store.UnitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.UnitRecord, 0, len(f.items))
	for _, rec := range f.items {
		out = append(out, rec)
	}
	return out
}

func (f *fakeEngine) ListFor(tenant string) []store.UnitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.UnitRecord{}
	for _, rec := range f.items {
		if rec.Owner == tenant || rec.SharedAmong(tenant) {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeEngine) setStatus(caller, id, status, reason string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	rec.Status = status
	rec.SuspendReason = reason
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) Start(_ context.Context, caller, id string) (store.UnitRecord, error) {
	return f.setStatus(caller, id, store.StatusActive, "")
}

func (f *fakeEngine) Stop(_ context.Context, caller, id string) (store.UnitRecord, error) {
	return f.setStatus(caller, id, store.StatusSuspended, store.SuspendReasonManual)
}

func (f *fakeEngine) Restart(_ context.Context, caller, id string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(caller, id)
}

func (f *fakeEngine) Renew(_ context.Context, caller, id string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	if rec.GiveawayUnit {
		return store.UnitRecord{}, engine.ErrInvalidTransition
	}
	rec.ExpiresAt = rec.ExpiresAt.Add(15 * 24 * time.Hour)
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) Remove(_ context.Context, caller, id string) (store.UnitRecord, error) {
	return f.setStatus(caller, id, store.StatusRemoved, "")
}

func (f *fakeEngine) Share(caller, id, tenant string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	rec.SharedWith = append(rec.SharedWith, tenant)
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) Unshare(caller, id, tenant string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	kept := []string{}
	for _, s := range rec.SharedWith {
		if s != tenant {
			kept = append(kept, s)
		}
	}
	rec.SharedWith = kept
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) RegenerateCredential(_ context.Context, caller, id string) (store.UnitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	rec.SSH = "ssh fresh@nyc1.tmate.io"
	rec.CredentialOK = true
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) AddPort(caller, id string, port int) (store.UnitRecord, error) {
	if port <= 0 || port > 65535 {
		return store.UnitRecord{}, engine.ErrInvalidGrant
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.get(caller, id)
	if err != nil {
		return store.UnitRecord{}, err
	}
	rec.ExtraPorts = append(rec.ExtraPorts, port)
	f.items[id] = rec
	return rec, nil
}

func (f *fakeEngine) Usage() engine.Usage { return engine.Usage{RAMGB: 32, CPU: 6, DiskGB: 100} }

func (f *fakeEngine) Health(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), nil
}

func (f *fakeEngine) Ready(context.Context) error { return nil }

func (f *fakeEngine) IsAdmin(tenant string) bool { return tenant == "admin" }

type fakeGiveaways struct {
	mu    sync.Mutex
	seq   int
	items map[string]store.GiveawayRecord
}

func newFakeGiveaways() *fakeGiveaways {
	return &fakeGiveaways{items: map[string]store.GiveawayRecord{}}
}

func (f *fakeGiveaways) Open(in giveaway.OpenInput) (store.GiveawayRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.WinnerPolicy != store.WinnerSingleRandom && in.WinnerPolicy != store.WinnerAllParticipants {
		return store.GiveawayRecord{}, giveaway.ErrInvalidSpec
	}
	f.seq++
	rec := store.GiveawayRecord{
		GiveawayID:   fmt.Sprintf("ga%04d", f.seq),
		Prize:        in.Prize,
		EndTime:      in.EndTime,
		Participants: []string{},
		WinnerPolicy: in.WinnerPolicy,
		Status:       store.GiveawayActive,
		RAMGB:        in.RAMGB,
		CPU:          in.CPU,
		DiskGB:       in.DiskGB,
		AwardedUnits: map[string]string{},
	}
	f.items[rec.GiveawayID] = rec
	return rec, nil
}

func (f *fakeGiveaways) Get(id string) (store.GiveawayRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.items[id]
	if !ok {
		return store.GiveawayRecord{}, giveaway.ErrNotFound
	}
	return rec, nil
}

func (f *fakeGiveaways) List() []store.GiveawayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.GiveawayRecord, 0, len(f.items))
	for _, rec := range f.items {
		out = append(out, rec)
	}
	return out
}

func (f *fakeGiveaways) Enter(id, tenant string) (store.GiveawayRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.items[id]
	if !ok {
		return store.GiveawayRecord{}, giveaway.ErrNotFound
	}
	if rec.Status != store.GiveawayActive {
		return store.GiveawayRecord{}, giveaway.ErrClosed
	}
	if !rec.HasParticipant(tenant) {
		rec.Participants = append(rec.Participants, tenant)
		f.items[id] = rec
	}
	return rec, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Auth.AdminTenants = []string{"admin"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(
		cfg,
		newFakeEngine(),
		newFakeGiveaways(),
		store.NewLedger(filepath.Join(dir, "users.json")),
		store.NewRenewMode(filepath.Join(dir, "renew_mode.json")),
		events.NewSink(filepath.Join(dir, "vps_logs.json"), logger),
		metrics.New(),
		logger,
	)
}

func doJSON(t *testing.T, routes http.Handler, method, path, tenant string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	return rr
}

func TestCreateAndGetUnit(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/units", "alice", []byte(`{"ram_gb":8,"cpu":2,"disk_gb":40}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created UnitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	if created.Unit.Owner != "alice" || created.Unit.RAMGB != 8 {
		t.Fatalf("unexpected unit: %+v", created.Unit)
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/units/"+created.Unit.UnitID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodGet, "/v1/units/"+created.Unit.UnitID, "mallory", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodGet, "/v1/units/nope", "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown unit, got %d", rr.Code)
	}
}

func TestCreateRequiresTenantHeader(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s.Routes(), http.MethodPost, "/v1/units", "", []byte(`{}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminCanProvisionForAnotherTenant(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/units", "admin", []byte(`{"owner":"alice"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var created UnitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Unit.Owner != "alice" {
		t.Fatalf("expected owner override, got %s", created.Unit.Owner)
	}

	// Non-admins cannot provision on behalf of others.
	rr = doJSON(t, routes, http.MethodPost, "/v1/units", "bob", []byte(`{"owner":"alice"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Unit.Owner != "bob" {
		t.Fatalf("expected owner to stay the caller, got %s", created.Unit.Owner)
	}
}

func TestListScopedToTenant(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()
	doJSON(t, routes, http.MethodPost, "/v1/units", "alice", []byte(`{}`))
	doJSON(t, routes, http.MethodPost, "/v1/units", "bob", []byte(`{}`))

	var listed UnitListResponse
	rr := doJSON(t, routes, http.MethodGet, "/v1/units", "alice", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Units) != 1 {
		t.Fatalf("expected tenant-scoped list of 1, got %d", len(listed.Units))
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/units", "admin", nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Units) != 2 {
		t.Fatalf("expected admin to see all units, got %d", len(listed.Units))
	}
}

func TestUnitActions(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()
	rr := doJSON(t, routes, http.MethodPost, "/v1/units", "alice", []byte(`{}`))
	var created UnitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	id := created.Unit.UnitID

	for _, action := range []string{"stop", "start", "restart", "renew", "ssh"} {
		rr := doJSON(t, routes, http.MethodPost, "/v1/units/"+id+"/"+action, "alice", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("action %s: expected 200, got %d: %s", action, rr.Code, rr.Body.String())
		}
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/units/"+id+"/share", "alice", []byte(`{"tenant_id":"bob"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("share: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodPost, "/v1/units/"+id+"/ports", "alice", []byte(`{"port":8080}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("ports: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodPost, "/v1/units/"+id+"/ports", "alice", []byte(`{"port":0}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("ports: expected 400 for port 0, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodDelete, "/v1/units/"+id, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
}

func TestInvitesAndClaim(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodPost, "/v1/invites", "admin", []byte(`{"referrer":"alice","referred":"bob"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("invite: expected 200, got %d", rr.Code)
	}
	var inv InviteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &inv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !inv.Credited {
		t.Fatalf("expected first join credited")
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/invites", "admin", []byte(`{"referrer":"alice","referred":"bob"}`))
	if err := json.Unmarshal(rr.Body.Bytes(), &inv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if inv.Credited {
		t.Fatalf("expected repeat join not credited")
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/tenants/alice/claim", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d", rr.Code)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &claim); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if claim.Claimed != 1 || claim.Points != 1 {
		t.Fatalf("unexpected claim result: %+v", claim)
	}

	// Tenants cannot read or claim another tenant's ledger.
	rr = doJSON(t, routes, http.MethodGet, "/v1/tenants/alice/ledger", "bob", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRenewModeAdminGated(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/v1/renew-mode", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get mode: expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPut, "/v1/renew-mode", "alice", []byte(`{"mode":"30"}`))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPut, "/v1/renew-mode", "admin", []byte(`{"mode":"30"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var mode RenewModeBody
	if err := json.Unmarshal(rr.Body.Bytes(), &mode); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mode.Mode != "30" {
		t.Fatalf("expected mode 30, got %s", mode.Mode)
	}

	rr = doJSON(t, routes, http.MethodPut, "/v1/renew-mode", "admin", []byte(`{"mode":"45"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad mode, got %d", rr.Code)
	}
}

func TestGiveawayEndpoints(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()
	end := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	body := []byte(`{"prize":"8GB VPS","end_time":"` + end + `","winner_policy":"single-random","ram_gb":8,"cpu":2,"disk_gb":40}`)

	rr := doJSON(t, routes, http.MethodPost, "/v1/giveaways", "alice", body)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin open, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/giveaways", "admin", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created GiveawayResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rr = doJSON(t, routes, http.MethodPost, "/v1/giveaways/"+created.Giveaway.GiveawayID+"/enter", "bob", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("enter: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodPost, "/v1/giveaways/nope/enter", "bob", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("enter unknown: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/giveaways", "bob", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
}

func TestEventsAdminOnly(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/v1/events", "alice", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = doJSON(t, routes, http.MethodGet, "/v1/events?limit=10", "admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHealthAndUsage(t *testing.T) {
	s := newTestServer(t)
	routes := s.Routes()

	rr := doJSON(t, routes, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if health.Status != "ok" || !health.RuntimeOK {
		t.Fatalf("unexpected health: %+v", health)
	}

	rr = doJSON(t, routes, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, routes, http.MethodGet, "/v1/usage", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("usage: expected 200, got %d", rr.Code)
	}
}
