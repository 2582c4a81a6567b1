package events

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSinkRecentNewestFirst(t *testing.T) {
	s := NewSink(filepath.Join(t.TempDir(), "vps_logs.json"), discardLogger())
	s.Emit(KindCreated, "alice", "u1", "")
	s.Emit(KindRenewed, "alice", "u1", "")
	s.Emit(KindExpired, "alice", "u1", "")

	got := s.Recent(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != KindExpired || got[1].Kind != KindRenewed {
		t.Fatalf("expected newest first, got %s then %s", got[0].Kind, got[1].Kind)
	}
}

func TestSinkRetentionBound(t *testing.T) {
	s := NewSink(filepath.Join(t.TempDir(), "vps_logs.json"), discardLogger())
	s.retention = 5
	for i := 0; i < 12; i++ {
		s.Emit(KindCreated, "alice", fmt.Sprintf("u%d", i), "")
	}
	got := s.Recent(0)
	if len(got) != 5 {
		t.Fatalf("expected retention of 5, got %d", len(got))
	}
	if got[0].UnitID != "u11" {
		t.Fatalf("expected newest kept entry first, got %s", got[0].UnitID)
	}
}

func TestSinkReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vps_logs.json")
	s := NewSink(path, discardLogger())
	s.Emit(KindCreated, "alice", "u1", "RAM: 32GB, CPU: 6, Disk: 100GB")

	s2 := NewSink(path, discardLogger())
	got := s2.Recent(1)
	if len(got) != 1 || got[0].TenantID != "alice" || got[0].UnitID != "u1" {
		t.Fatalf("unexpected events after reload: %+v", got)
	}
}
