package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/runtime"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

type ProvisionInput struct {
	Owner    string
	RAMGB    int
	CPU      int
	DiskGB   int
	Paid     bool
	Giveaway bool
}

// Provision runs the full creation workflow: allocate, await readiness,
// install baseline tooling, extract the access credential, probe health,
// then persist the record and apply the deploy credit.
//
// Only allocation failure aborts: a unit is expensive and slow to create,
// so post-allocation hiccups degrade the record (health flags, placeholder
// credential) instead of wasting the allocation.
func (e *Engine) Provision(ctx context.Context, in ProvisionInput) (store.UnitRecord, error) {
	if in.Owner == "" {
		return store.UnitRecord{}, ErrInvalidGrant
	}
	if in.RAMGB == 0 {
		in.RAMGB = e.cfg.Lifecycle.DefaultRAMGB
	}
	if in.CPU == 0 {
		in.CPU = e.cfg.Lifecycle.DefaultCPU
	}
	if in.DiskGB == 0 {
		in.DiskGB = e.cfg.Lifecycle.DefaultDiskGB
	}
	if in.RAMGB < 0 || in.CPU < 0 || in.DiskGB < 0 {
		return store.UnitRecord{}, ErrInvalidGrant
	}
	if e.units.ActiveCount() >= e.cfg.Lifecycle.MaxUnits {
		return store.UnitRecord{}, ErrCapacity
	}

	dctx, cancel := e.driverCtx(ctx)
	alloc, err := e.driver.Allocate(dctx, runtime.AllocationSpec{RAMGB: in.RAMGB, CPU: in.CPU, DiskGB: in.DiskGB})
	cancel()
	if err != nil {
		e.metrics.IncProvisionFailed()
		return store.UnitRecord{}, fmt.Errorf("%w: %s", ErrAllocationFailed, err)
	}

	// The unit exists now; finish setup even if the requester goes away,
	// otherwise a dropped connection leaves a degraded record behind.
	ctx = context.WithoutCancel(ctx)

	// Give the init system a moment before polling it.
	settle := time.Duration(e.cfg.Runtime.SettleDelaySeconds) * time.Second
	select {
	case <-ctx.Done():
	case <-time.After(settle):
	}

	var lastError string
	serviceManagerOK := true
	if err := e.driver.AwaitReady(ctx, alloc.UnitID, time.Duration(e.cfg.Runtime.ReadyTimeoutSeconds)*time.Second); err != nil {
		serviceManagerOK = false
		lastError = "setup degraded: init system not confirmed"
		e.log.Warn("unit_ready_timeout", slog.String("unit_id", alloc.UnitID), slog.String("error", err.Error()))
	}

	if failed := e.driver.InstallBaseline(ctx, alloc.UnitID); len(failed) > 0 {
		e.log.Warn("baseline_install_partial", slog.String("unit_id", alloc.UnitID), slog.String("failed_steps", strings.Join(failed, "; ")))
	}

	credentialOK := true
	cctx, ccancel := context.WithTimeout(ctx, time.Duration(e.cfg.Runtime.ExecTimeoutSeconds)*time.Second)
	ssh, err := e.driver.ExtractCredential(cctx, alloc.UnitID)
	ccancel()
	if err != nil {
		ssh = store.PlaceholderCredential
		credentialOK = false
		e.log.Warn("credential_extract_failed", slog.String("unit_id", alloc.UnitID), slog.String("error", err.Error()))
	}

	if serviceManagerOK {
		pctx, pcancel := e.driverCtx(ctx)
		serviceManagerOK = e.driver.HealthProbe(pctx, alloc.UnitID)
		pcancel()
	}

	created := e.now()
	rec := store.UnitRecord{
		UnitID:           alloc.UnitID,
		Owner:            in.Owner,
		SharedWith:       []string{},
		RAMGB:            in.RAMGB,
		CPU:              in.CPU,
		DiskGB:           in.DiskGB,
		HTTPPort:         alloc.HTTPPort,
		SSH:              ssh,
		CreatedAt:        created,
		ExpiresAt:        created.Add(time.Duration(e.cfg.Lifecycle.LifetimeDays) * 24 * time.Hour),
		Status:           store.StatusActive,
		PaidPlan:         in.Paid,
		GiveawayUnit:     in.Giveaway,
		ServiceManagerOK: serviceManagerOK,
		CredentialOK:     credentialOK,
		LastError:        lastError,
	}
	if err := e.units.Upsert(rec); err != nil {
		return store.UnitRecord{}, err
	}
	if _, err := e.ledger.AdjustPoints(in.Owner, e.cfg.Lifecycle.PointsPerDeploy); err != nil {
		e.log.Warn("deploy_credit_failed", slog.String("unit_id", rec.UnitID), slog.String("error", err.Error()))
	}

	detail := fmt.Sprintf("RAM: %dGB, CPU: %d, Disk: %dGB", rec.RAMGB, rec.CPU, rec.DiskGB)
	e.sink.Emit(events.KindCreated, in.Owner, rec.UnitID, detail)
	e.metrics.IncProvision()
	e.metrics.SetActiveUnits(e.units.ActiveCount())
	return rec, nil
}
