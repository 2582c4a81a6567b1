package giveaway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arnavxdyt/dc-bot/internal/engine"
	"github.com/arnavxdyt/dc-bot/internal/events"
	"github.com/arnavxdyt/dc-bot/internal/metrics"
	"github.com/arnavxdyt/dc-bot/internal/store"
)

var (
	ErrNotFound    = errors.New("giveaway_not_found")
	ErrClosed      = errors.New("giveaway_closed")
	ErrInvalidSpec = errors.New("invalid_giveaway_spec")
)

// Provisioner is the slice of the lifecycle engine the sweep needs.
type Provisioner interface {
	Provision(ctx context.Context, in engine.ProvisionInput) (store.UnitRecord, error)
}

// Engine manages time-boxed giveaways: entry rosters while active, and the
// sweep that ends each giveaway exactly once and provisions winner units.
type Engine struct {
	giveaways *store.Giveaways
	prov      Provisioner
	sink      *events.Sink
	metrics   *metrics.Registry
	log       *slog.Logger
	mu        sync.Mutex
	now       func() time.Time
	pick      func(n int) int
}

func New(giveaways *store.Giveaways, prov Provisioner, sink *events.Sink, reg *metrics.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		giveaways: giveaways,
		prov:      prov,
		sink:      sink,
		metrics:   reg,
		log:       logger,
		now:       func() time.Time { return time.Now().UTC() },
		pick:      rand.Intn,
	}
}

type OpenInput struct {
	Prize        string
	EndTime      time.Time
	WinnerPolicy string
	RAMGB        int
	CPU          int
	DiskGB       int
}

func (e *Engine) Open(in OpenInput) (store.GiveawayRecord, error) {
	if in.WinnerPolicy != store.WinnerSingleRandom && in.WinnerPolicy != store.WinnerAllParticipants {
		return store.GiveawayRecord{}, ErrInvalidSpec
	}
	if !in.EndTime.After(e.now()) {
		return store.GiveawayRecord{}, ErrInvalidSpec
	}
	if in.RAMGB <= 0 || in.CPU <= 0 || in.DiskGB <= 0 {
		return store.GiveawayRecord{}, ErrInvalidSpec
	}
	rec := store.GiveawayRecord{
		GiveawayID:   uuid.NewString(),
		Prize:        in.Prize,
		EndTime:      in.EndTime.UTC(),
		Participants: []string{},
		WinnerPolicy: in.WinnerPolicy,
		Status:       store.GiveawayActive,
		RAMGB:        in.RAMGB,
		CPU:          in.CPU,
		DiskGB:       in.DiskGB,
		AwardedUnits: map[string]string{},
		CreatedAt:    e.now(),
	}
	if err := e.giveaways.Upsert(rec); err != nil {
		return store.GiveawayRecord{}, err
	}
	return rec, nil
}

func (e *Engine) Get(id string) (store.GiveawayRecord, error) {
	rec, ok := e.giveaways.Get(id)
	if !ok {
		return store.GiveawayRecord{}, ErrNotFound
	}
	return rec, nil
}

func (e *Engine) List() []store.GiveawayRecord { return e.giveaways.List() }

// Enter appends the tenant to the roster. Entry order is preserved, repeat
// entries are no-ops, and a swept giveaway rejects late entries.
func (e *Engine) Enter(id, tenant string) (store.GiveawayRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.giveaways.Get(id)
	if !ok {
		return store.GiveawayRecord{}, ErrNotFound
	}
	if rec.Status != store.GiveawayActive {
		return store.GiveawayRecord{}, ErrClosed
	}
	if rec.HasParticipant(tenant) {
		return rec, nil
	}
	rec.Participants = append(rec.Participants, tenant)
	if err := e.giveaways.Upsert(rec); err != nil {
		return store.GiveawayRecord{}, err
	}
	return rec, nil
}

// Sweep ends every active giveaway past its end time, provisioning winner
// units per the declared policy. Each giveaway is processed independently;
// one failure never aborts the rest of the sweep.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now()
	for _, rec := range e.giveaways.List() {
		if rec.Status != store.GiveawayActive || rec.EndTime.After(now) {
			continue
		}
		if err := e.settle(ctx, rec.GiveawayID); err != nil {
			e.log.Warn("giveaway_settle_failed", slog.String("giveaway_id", rec.GiveawayID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// settle flips the giveaway to ended and provisions the winner units. The
// roster is frozen and the status flipped under the engine mutex; the slow
// provisioning runs with the mutex released so entries and opens on other
// giveaways are never held up behind it.
func (e *Engine) settle(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, ok := e.giveaways.Get(id)
	if !ok || rec.Status != store.GiveawayActive {
		e.mu.Unlock()
		return nil
	}

	var winners []string
	switch {
	case len(rec.Participants) == 0:
		// Ended with no award.
	case rec.WinnerPolicy == store.WinnerSingleRandom:
		winners = []string{rec.Participants[e.pick(len(rec.Participants))]}
	default:
		winners = rec.Participants
	}

	rec.Status = store.GiveawayEnded
	if err := e.giveaways.Upsert(rec); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	awarded := map[string]string{}
	for _, winner := range winners {
		unit, err := e.prov.Provision(ctx, engine.ProvisionInput{
			Owner:    winner,
			RAMGB:    rec.RAMGB,
			CPU:      rec.CPU,
			DiskGB:   rec.DiskGB,
			Giveaway: true,
		})
		if err != nil {
			e.log.Warn("giveaway_provision_failed",
				slog.String("giveaway_id", rec.GiveawayID),
				slog.String("tenant_id", winner),
				slog.String("error", err.Error()))
			continue
		}
		awarded[winner] = unit.UnitID
		e.sink.Emit(events.KindGiveawayWon, winner, unit.UnitID, fmt.Sprintf("won giveaway %s", rec.GiveawayID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok = e.giveaways.Get(id)
	if !ok {
		e.metrics.IncGiveawayEnded()
		return nil
	}
	if rec.AwardedUnits == nil {
		rec.AwardedUnits = map[string]string{}
	}
	for tenant, unitID := range awarded {
		rec.AwardedUnits[tenant] = unitID
	}
	if err := e.giveaways.Upsert(rec); err != nil {
		return err
	}
	e.metrics.IncGiveawayEnded()
	return nil
}
