package store

import (
	"sync"
	"time"
)

// Ledger is the durable per-tenant points and invite-credit bookkeeping.
// All read-modify-write cycles run under the store mutex, so concurrent
// credits and debits for a tenant can never lose updates.
type Ledger struct {
	path string
	mu   sync.RWMutex
	snap ledgerSnapshot
}

func NewLedger(path string) *Ledger {
	l := &Ledger{
		path: path,
		snap: ledgerSnapshot{Tenants: map[string]TenantLedger{}, UpdatedAt: time.Now().UTC()},
	}
	loadFile(path, &l.snap)
	if l.snap.Tenants == nil {
		l.snap.Tenants = map[string]TenantLedger{}
	}
	return l
}

func (l *Ledger) Get(tenant string) (TenantLedger, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.snap.Tenants[tenant]
	return rec, ok
}

// CreditUniqueJoin counts referred in referrer's unique joins exactly once.
// Repeat calls with the same pair are no-ops and return false. The referrer
// ledger is created lazily on first credit.
func (l *Ledger) CreditUniqueJoin(referrer, referred string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.snap.Tenants[referrer]
	if rec.HasJoin(referred) {
		return false, nil
	}
	rec.UniqueJoins = append(rec.UniqueJoins, referred)
	rec.InvUnclaimed++
	rec.InvTotal++
	l.putLocked(referrer, rec)
	return true, l.persistLocked()
}

// AdjustPoints applies delta to the tenant's balance, clamping at zero, and
// returns the new balance.
func (l *Ledger) AdjustPoints(tenant string, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.snap.Tenants[tenant]
	rec.Points += delta
	if rec.Points < 0 {
		rec.Points = 0
	}
	l.putLocked(tenant, rec)
	return rec.Points, l.persistLocked()
}

// ClaimInviteCredits converts all unclaimed invite credits into points 1:1
// and returns how many were claimed.
func (l *Ledger) ClaimInviteCredits(tenant string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.snap.Tenants[tenant]
	claimed := rec.InvUnclaimed
	if claimed == 0 {
		return 0, nil
	}
	rec.Points += claimed
	rec.InvUnclaimed = 0
	l.putLocked(tenant, rec)
	return claimed, l.persistLocked()
}

func (l *Ledger) putLocked(tenant string, rec TenantLedger) {
	rec.UpdatedAt = time.Now().UTC()
	l.snap.Tenants[tenant] = rec
	l.snap.UpdatedAt = rec.UpdatedAt
}

func (l *Ledger) persistLocked() error {
	return saveFile(l.path, l.snap)
}
