package runtime

import (
	"context"
	"time"
)

// AllocationSpec is the resource grant requested for a new unit.
type AllocationSpec struct {
	RAMGB  int
	CPU    int
	DiskGB int
}

// Allocation identifies a freshly created unit. UnitID is assigned by the
// backend and becomes the registry key.
type Allocation struct {
	UnitID   string
	HTTPPort int
}

// Driver is the thin contract against the container runtime. Calls are slow
// (seconds to tens of seconds) and fallible; every call must be bounded by
// the caller's context.
type Driver interface {
	Allocate(ctx context.Context, spec AllocationSpec) (Allocation, error)
	// AwaitReady polls until the unit's init system responds or the timeout
	// elapses. A timeout is a degraded-but-continuing condition, not fatal.
	AwaitReady(ctx context.Context, unitID string, timeout time.Duration) error
	// InstallBaseline runs the baseline tooling install. Individual steps may
	// fail independently; failed step names are returned for logging.
	InstallBaseline(ctx context.Context, unitID string) []string
	ExtractCredential(ctx context.Context, unitID string) (string, error)
	HealthProbe(ctx context.Context, unitID string) bool
	Start(ctx context.Context, unitID string) error
	Stop(ctx context.Context, unitID string) error
	Remove(ctx context.Context, unitID string) error
	Ping(ctx context.Context) error
}
