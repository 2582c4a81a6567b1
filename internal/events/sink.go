package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lifecycle event kinds.
const (
	KindCreated     = "created"
	KindExpired     = "expired"
	KindRenewed     = "renewed"
	KindSuspended   = "suspended"
	KindResumed     = "resumed"
	KindRemoved     = "removed"
	KindShared      = "shared"
	KindGiveawayWon = "giveaway_won"
)

const defaultRetention = 1000

type Event struct {
	Kind      string    `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	UnitID    string    `json:"unit_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink records lifecycle events for async tenant notification and audit.
// Retention is bounded: only the most recent entries are kept, both in
// memory and in the backing file.
type Sink struct {
	path      string
	retention int
	log       *slog.Logger
	mu        sync.RWMutex
	entries   []Event
}

func NewSink(path string, logger *slog.Logger) *Sink {
	s := &Sink{path: path, retention: defaultRetention, log: logger}
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		// Corrupt history is dropped rather than blocking startup.
		_ = json.Unmarshal(b, &s.entries)
	}
	if len(s.entries) > s.retention {
		s.entries = s.entries[len(s.entries)-s.retention:]
	}
	return s
}

func (s *Sink) Emit(kind, tenantID, unitID, detail string) {
	ev := Event{Kind: kind, TenantID: tenantID, UnitID: unitID, Detail: detail, Timestamp: time.Now().UTC()}

	s.mu.Lock()
	s.entries = append(s.entries, ev)
	if len(s.entries) > s.retention {
		s.entries = s.entries[len(s.entries)-s.retention:]
	}
	err := s.persistLocked()
	s.mu.Unlock()

	s.log.Info("lifecycle_event",
		slog.String("kind", kind),
		slog.String("tenant_id", tenantID),
		slog.String("unit_id", unitID),
		slog.String("detail", detail),
	)
	if err != nil {
		s.log.Warn("event_persist_failed", slog.String("error", err.Error()))
	}
}

// Recent returns up to n events, newest first.
func (s *Sink) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Event, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

func (s *Sink) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp events: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace events: %w", err)
	}
	return nil
}
