package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/config"
	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
	"github.com/arnavxdyt/dc-bot/internal/runtime"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

// Engine owns every unit lifecycle transition. The unit registry and ledger
// are mutated only through it, and transitions on one unit are serialized by
// a per-unit lock while unrelated units proceed concurrently.
type Engine struct {
	cfg     config.Config
	units   *store.Registry
	ledger  *store.Ledger
	renew   *store.RenewMode
	driver  runtime.Driver
	sink    *events.Sink
	metrics *metrics.Registry
	log     *slog.Logger
	admins  map[string]bool
	locks   unitLocks
	now     func() time.Time
}

func New(cfg config.Config, units *store.Registry, ledger *store.Ledger, renew *store.RenewMode, driver runtime.Driver, sink *events.Sink, reg *metrics.Registry, logger *slog.Logger) *Engine {
	admins := make(map[string]bool, len(cfg.Auth.AdminTenants))
	for _, a := range cfg.Auth.AdminTenants {
		admins[a] = true
	}
	return &Engine{
		cfg:     cfg,
		units:   units,
		ledger:  ledger,
		renew:   renew,
		driver:  driver,
		sink:    sink,
		metrics: reg,
		log:     logger,
		admins:  admins,
		locks:   unitLocks{held: map[string]*sync.Mutex{}},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type unitLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (l *unitLocks) acquire(id string) func() {
	l.mu.Lock()
	m, ok := l.held[id]
	if !ok {
		m = &sync.Mutex{}
		l.held[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) IsAdmin(tenant string) bool { return e.admins[tenant] }

func (e *Engine) canManage(caller string, rec store.UnitRecord) bool {
	return e.admins[caller] || rec.Owner == caller || rec.SharedAmong(caller)
}

func (e *Engine) driverCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(e.cfg.Runtime.DriverTimeoutSeconds)*time.Second)
}

func (e *Engine) Get(caller, id string) (store.UnitRecord, error) {
	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	return rec, nil
}

func (e *Engine) List() []store.UnitRecord { return e.units.List() }

func (e *Engine) ListFor(tenant string) []store.UnitRecord { return e.units.ListFor(tenant) }

// Start resumes a suspended unit. Starting an already active unit is a
// no-op. The expiry timestamp is never touched here.
func (e *Engine) Start(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	switch rec.Status {
	case store.StatusActive:
		return rec, nil
	case store.StatusRemoved:
		return store.UnitRecord{}, ErrInvalidTransition
	}

	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	if err := e.driver.Start(dctx, rec.UnitID); err != nil {
		return store.UnitRecord{}, fmt.Errorf("start unit: %w", err)
	}
	rec.Status = store.StatusActive
	rec.SuspendReason = ""
	rec.LastError = ""
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	e.sink.Emit(events.KindResumed, caller, rec.UnitID, "unit resumed")
	e.metrics.SetActiveUnits(e.units.ActiveCount())
	return rec, nil
}

// Stop manually suspends an active unit, keeping the expiry timestamp.
func (e *Engine) Stop(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	switch rec.Status {
	case store.StatusSuspended:
		return rec, nil
	case store.StatusRemoved:
		return store.UnitRecord{}, ErrInvalidTransition
	}

	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	if err := e.driver.Stop(dctx, rec.UnitID); err != nil {
		return store.UnitRecord{}, fmt.Errorf("stop unit: %w", err)
	}
	rec.Status = store.StatusSuspended
	rec.SuspendReason = store.SuspendReasonManual
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	e.sink.Emit(events.KindSuspended, caller, rec.UnitID, "unit stopped")
	e.metrics.SetActiveUnits(e.units.ActiveCount())
	return rec, nil
}

// Restart bounces an active unit without changing its lifecycle state.
func (e *Engine) Restart(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	if rec.Status != store.StatusActive {
		return store.UnitRecord{}, ErrInvalidTransition
	}

	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	if err := e.driver.Stop(dctx, rec.UnitID); err != nil {
		return store.UnitRecord{}, fmt.Errorf("restart unit: %w", err)
	}
	if err := e.driver.Start(dctx, rec.UnitID); err != nil {
		return store.UnitRecord{}, fmt.Errorf("restart unit: %w", err)
	}
	e.sink.Emit(events.KindResumed, caller, rec.UnitID, "unit restarted")
	return rec, nil
}

// Renew extends the unit's expiry to now plus the configured renewal window
// and credits the owner the matching points. Giveaway units are never
// renewable. Renewing a suspended unit does not resume it.
func (e *Engine) Renew(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	if rec.Status == store.StatusRemoved || rec.GiveawayUnit {
		return store.UnitRecord{}, ErrInvalidTransition
	}

	days := 15
	credit := e.cfg.Lifecycle.PointsRenew15
	if e.renew.Mode() == store.RenewMode30 {
		days = 30
		credit = e.cfg.Lifecycle.PointsRenew30
	}
	rec.ExpiresAt = e.now().Add(time.Duration(days) * 24 * time.Hour)
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	if _, err := e.ledger.AdjustPoints(rec.Owner, credit); err != nil {
		e.log.Warn("renew_credit_failed", slog.String("unit_id", rec.UnitID), slog.String("error", err.Error()))
	}
	e.sink.Emit(events.KindRenewed, caller, rec.UnitID, fmt.Sprintf("extended %d days", days))
	e.metrics.IncRenewed()
	return rec, nil
}

// Remove tears the unit down. The record stays in the registry for audit
// but drops out of active totals. Removing twice is a no-op.
func (e *Engine) Remove(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	if rec.Status == store.StatusRemoved {
		return rec, nil
	}

	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	if err := e.driver.Remove(dctx, rec.UnitID); err != nil {
		e.log.Warn("runtime_remove_failed", slog.String("unit_id", rec.UnitID), slog.String("error", err.Error()))
	}
	rec.Status = store.StatusRemoved
	rec.SuspendReason = ""
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	e.sink.Emit(events.KindRemoved, caller, rec.UnitID, "unit removed")
	e.metrics.IncRemoved()
	e.metrics.SetActiveUnits(e.units.ActiveCount())
	return rec, nil
}

// Share grants management rights to another tenant without transferring
// ownership.
func (e *Engine) Share(caller, id, tenant string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	if tenant == rec.Owner || rec.SharedAmong(tenant) {
		return rec, nil
	}
	rec.SharedWith = append(rec.SharedWith, tenant)
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	e.sink.Emit(events.KindShared, caller, rec.UnitID, "shared with "+tenant)
	return rec, nil
}

func (e *Engine) Unshare(caller, id, tenant string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	kept := make([]string, 0, len(rec.SharedWith))
	for _, s := range rec.SharedWith {
		if s != tenant {
			kept = append(kept, s)
		}
	}
	rec.SharedWith = kept
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	e.sink.Emit(events.KindShared, caller, rec.UnitID, "unshared from "+tenant)
	return rec, nil
}

// RegenerateCredential replaces the unit's SSH connection string with a
// fresh one. The unit must be active for the in-unit session to start.
func (e *Engine) RegenerateCredential(ctx context.Context, caller, id string) (store.UnitRecord, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	if rec.Status != store.StatusActive {
		return store.UnitRecord{}, ErrInvalidTransition
	}

	dctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Runtime.ExecTimeoutSeconds)*time.Second)
	defer cancel()
	ssh, err := e.driver.ExtractCredential(dctx, rec.UnitID)
	if err != nil {
		return store.UnitRecord{}, ErrCredentialUnavailable
	}
	rec.SSH = ssh
	rec.CredentialOK = true
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	return rec, nil
}

// AddPort records an extra port grant on the unit. Allocation bookkeeping
// only; the runtime mapping is not changed.
func (e *Engine) AddPort(caller, id string, port int) (store.UnitRecord, error) {
	if port <= 0 || port > 65535 {
		return store.UnitRecord{}, ErrInvalidGrant
	}
	unlock := e.locks.acquire(id)
	defer unlock()

	rec, ok := e.units.Get(id)
	if !ok {
		return store.UnitRecord{}, ErrNotFound
	}
	if !e.canManage(caller, rec) {
		return store.UnitRecord{}, ErrUnauthorized
	}
	for _, p := range rec.ExtraPorts {
		if p == port {
			return rec, nil
		}
	}
	rec.ExtraPorts = append(rec.ExtraPorts, port)
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	return rec, nil
}

// ExpireDue force-expires every active unit whose lifetime window has
// elapsed. Idempotent: already-suspended units are untouched. Changed
// records are persisted with one batch write per tick.
func (e *Engine) ExpireDue(ctx context.Context) error {
	now := e.now()
	var due []string
	for _, rec := range e.units.List() {
		if rec.Status == store.StatusActive && !rec.ExpiresAt.After(now) {
			due = append(due, rec.UnitID)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Strings(due)

	var changed []store.UnitRecord
	var unlocks []func()
	defer func() {
		for _, u := range unlocks {
			u()
		}
	}()
	for _, id := range due {
		unlocks = append(unlocks, e.locks.acquire(id))
		rec, ok := e.units.Get(id)
		if !ok || rec.Status != store.StatusActive || rec.ExpiresAt.After(now) {
			continue
		}
		dctx, cancel := e.driverCtx(ctx)
		if err := e.driver.Stop(dctx, rec.UnitID); err != nil {
			e.log.Warn("expire_stop_failed", slog.String("unit_id", rec.UnitID), slog.String("error", err.Error()))
		}
		cancel()
		rec.Status = store.StatusSuspended
		rec.SuspendReason = store.SuspendReasonExpired
		changed = append(changed, rec)
	}
	if err := e.units.UpsertMany(changed); err != nil {
		return err
	}
	for _, rec := range changed {
		e.sink.Emit(events.KindExpired, rec.Owner, rec.UnitID, "auto-suspended on expiry")
		e.metrics.IncExpired()
	}
	e.metrics.SetActiveUnits(e.units.ActiveCount())
	return nil
}

// Usage reports granted resource totals for all non-removed units against
// the configured host capacity.
type Usage struct {
	RAMGB       int     `json:"ram_gb"`
	CPU         int     `json:"cpu"`
	DiskGB      int     `json:"disk_gb"`
	RAMPercent  float64 `json:"ram_percent"`
	CPUPercent  float64 `json:"cpu_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

func (e *Engine) Usage() Usage {
	ram, cpu, disk := e.units.Usage()
	return Usage{
		RAMGB:       ram,
		CPU:         cpu,
		DiskGB:      disk,
		RAMPercent:  capPercent(ram, e.cfg.Lifecycle.HostCapacityRAMGB),
		CPUPercent:  capPercent(cpu, e.cfg.Lifecycle.HostCapacityCPU),
		DiskPercent: capPercent(disk, e.cfg.Lifecycle.HostCapacityDiskGB),
	}
}

func capPercent(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	p := float64(used) / float64(capacity) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (e *Engine) Health(ctx context.Context) (int, error) {
	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	return e.units.ActiveCount(), e.driver.Ping(dctx)
}

func (e *Engine) Ready(ctx context.Context) error {
	dctx, cancel := e.driverCtx(ctx)
	defer cancel()
	return e.driver.Ping(dctx)
}
