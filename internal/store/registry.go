package store

import (
	"sync"
	"time"
)

// Registry is the durable unit-id keyed record of every provisioned unit.
// Removed units stay in the registry for audit; they are simply excluded
// from the active counts and usage aggregates.
type Registry struct {
	path string
	mu   sync.RWMutex
	snap registrySnapshot
}

func NewRegistry(path string) *Registry {
	r := &Registry{
		path: path,
		snap: registrySnapshot{Units: map[string]UnitRecord{}, UpdatedAt: time.Now().UTC()},
	}
	loadFile(path, &r.snap)
	if r.snap.Units == nil {
		r.snap.Units = map[string]UnitRecord{}
	}
	return r
}

func (r *Registry) Get(id string) (UnitRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.snap.Units[id]
	return rec, ok
}

func (r *Registry) List() []UnitRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UnitRecord, 0, len(r.snap.Units))
	for _, v := range r.snap.Units {
		out = append(out, v)
	}
	return out
}

// ListFor returns units the tenant owns or has been granted a share of.
func (r *Registry) ListFor(tenant string) []UnitRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []UnitRecord{}
	for _, v := range r.snap.Units {
		if v.Owner == tenant || v.SharedAmong(tenant) {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) Upsert(rec UnitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	r.snap.Units[rec.UnitID] = rec
	r.snap.UpdatedAt = rec.UpdatedAt
	return r.persistLocked()
}

// UpsertMany persists a batch of records with a single write, for the expiry
// sweep which may flip several units per tick.
func (r *Registry) UpsertMany(recs []UnitRecord) error {
	if len(recs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, rec := range recs {
		rec.UpdatedAt = now
		r.snap.Units[rec.UnitID] = rec
	}
	r.snap.UpdatedAt = now
	return r.persistLocked()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, v := range r.snap.Units {
		if v.Status == StatusActive {
			count++
		}
	}
	return count
}

// Usage sums the configured resource grants of all non-removed units.
func (r *Registry) Usage() (ramGB, cpu, diskGB int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.snap.Units {
		if v.Status == StatusRemoved {
			continue
		}
		ramGB += v.RAMGB
		cpu += v.CPU
		diskGB += v.DiskGB
	}
	return ramGB, cpu, diskGB
}

func (r *Registry) persistLocked() error {
	return saveFile(r.path, r.snap)
}
