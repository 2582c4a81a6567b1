package store

import (
	"sync"
	"time"
)

// Giveaways is the durable giveaway-id keyed roster store.
type Giveaways struct {
	path string
	mu   sync.RWMutex
	snap giveawaySnapshot
}

func NewGiveaways(path string) *Giveaways {
	g := &Giveaways{
		path: path,
		snap: giveawaySnapshot{Giveaways: map[string]GiveawayRecord{}, UpdatedAt: time.Now().UTC()},
	}
	loadFile(path, &g.snap)
	if g.snap.Giveaways == nil {
		g.snap.Giveaways = map[string]GiveawayRecord{}
	}
	return g
}

func (g *Giveaways) Get(id string) (GiveawayRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.snap.Giveaways[id]
	return rec, ok
}

func (g *Giveaways) List() []GiveawayRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GiveawayRecord, 0, len(g.snap.Giveaways))
	for _, v := range g.snap.Giveaways {
		out = append(out, v)
	}
	return out
}

func (g *Giveaways) Upsert(rec GiveawayRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	g.snap.Giveaways[rec.GiveawayID] = rec
	g.snap.UpdatedAt = rec.UpdatedAt
	return g.persistLocked()
}

func (g *Giveaways) persistLocked() error {
	return saveFile(g.path, g.snap)
}
