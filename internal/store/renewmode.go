package store

import (
	"fmt"
	"sync"
)

const (
	RenewMode15 = "15"
	RenewMode30 = "30"
)

// RenewMode holds the single-record default renewal window selection.
type RenewMode struct {
	path string
	mu   sync.RWMutex
	snap renewModeSnapshot
}

func NewRenewMode(path string) *RenewMode {
	r := &RenewMode{path: path, snap: renewModeSnapshot{Mode: RenewMode15}}
	loadFile(path, &r.snap)
	if r.snap.Mode != RenewMode15 && r.snap.Mode != RenewMode30 {
		r.snap.Mode = RenewMode15
	}
	return r
}

func (r *RenewMode) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Mode
}

func (r *RenewMode) SetMode(mode string) error {
	if mode != RenewMode15 && mode != RenewMode30 {
		return fmt.Errorf("invalid renew mode %q", mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Mode = mode
	return saveFile(r.path, r.snap)
}
