package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegistryUpsertAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vps_db.json")

	r := NewRegistry(path)
	now := time.Now().UTC()
	rec := UnitRecord{UnitID: "abc123def456", Owner: "alice", Status: StatusActive, CreatedAt: now, ExpiresAt: now.Add(15 * 24 * time.Hour)}
	if err := r.Upsert(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r2 := NewRegistry(path)
	got, ok := r2.Get("abc123def456")
	if !ok {
		t.Fatalf("expected record after reload")
	}
	if got.Owner != "alice" || got.Status != StatusActive {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRegistryCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vps_db.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	r := NewRegistry(path)
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry from corrupt file")
	}
	if err := r.Upsert(UnitRecord{UnitID: "u1", Owner: "alice", Status: StatusActive}); err != nil {
		t.Fatalf("upsert after corrupt load: %v", err)
	}
}

func TestRegistryListFor(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "vps_db.json"))
	must := func(err error) {
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	must(r.Upsert(UnitRecord{UnitID: "u1", Owner: "alice", Status: StatusActive}))
	must(r.Upsert(UnitRecord{UnitID: "u2", Owner: "bob", SharedWith: []string{"alice"}, Status: StatusActive}))
	must(r.Upsert(UnitRecord{UnitID: "u3", Owner: "carol", Status: StatusActive}))

	got := r.ListFor("alice")
	if len(got) != 2 {
		t.Fatalf("expected owned plus shared, got %d", len(got))
	}
}

func TestRegistryUsageSkipsRemoved(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "vps_db.json"))
	if err := r.Upsert(UnitRecord{UnitID: "u1", Owner: "alice", Status: StatusActive, RAMGB: 32, CPU: 6, DiskGB: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Upsert(UnitRecord{UnitID: "u2", Owner: "bob", Status: StatusSuspended, RAMGB: 16, CPU: 4, DiskGB: 50}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Upsert(UnitRecord{UnitID: "u3", Owner: "carol", Status: StatusRemoved, RAMGB: 64, CPU: 8, DiskGB: 200}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ram, cpu, disk := r.Usage()
	if ram != 48 || cpu != 10 || disk != 150 {
		t.Fatalf("unexpected usage: ram=%d cpu=%d disk=%d", ram, cpu, disk)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("expected 1 active, got %d", r.ActiveCount())
	}
}

func TestRegistryUpsertManySingleWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps_db.json")
	r := NewRegistry(path)
	batch := []UnitRecord{
		{UnitID: "u1", Owner: "alice", Status: StatusSuspended, SuspendReason: SuspendReasonExpired},
		{UnitID: "u2", Owner: "bob", Status: StatusSuspended, SuspendReason: SuspendReasonExpired},
	}
	if err := r.UpsertMany(batch); err != nil {
		t.Fatalf("upsert many: %v", err)
	}

	r2 := NewRegistry(path)
	for _, id := range []string{"u1", "u2"} {
		rec, ok := r2.Get(id)
		if !ok || rec.SuspendReason != SuspendReasonExpired {
			t.Fatalf("expected expired suspend reason for %s, got %+v", id, rec)
		}
	}
}
