// Package coordinator arbitrates between the optimizer's autonomous
// plan, the user's companion-mode selection and the avoid-selling
// switch, and owns the durable peak-shaving memory.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/ferrocompanion/ferrocompanion/pkg/opsettings"
	"github.com/ferrocompanion/ferrocompanion/pkg/solarev"
	"github.com/ferrocompanion/ferrocompanion/pkg/storage"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// event keys dispatched by the entity wrappers and the HTTP surface
const (
	EventKeyCompanionMode = "companion_mode"
	EventKeyAvoidSelling  = "avoid_selling"
)

// Options tunes the coordinator loop. The zero value is completed by New.
type Options struct {
	// InitialDelay is how long after startup the first full update runs.
	InitialDelay time.Duration

	// QuarterlyInterval is the base period of the full update cycle. A
	// per-install jitter is added so many installs do not hit the shared
	// device backend at the same time.
	QuarterlyInterval time.Duration

	// TargetInterval is the period of the current-target recomputation.
	TargetInterval time.Duration

	// Now exists for tests.
	Now func() time.Time
}

// Coordinator runs the arbitration loop for one installation.
type Coordinator struct {
	installID string
	engine    *opsettings.Engine
	store     storage.Store
	charger   *solarev.Charger
	opts      Options

	// mu serializes quarterly updates, user events and unload, each of
	// which spans multiple device round-trips and a store write.
	mu             sync.Mutex
	memory         types.PeakShavingMemory
	selection      types.CompanionMode
	avoidSelling   bool
	tariff         types.CapacityTariff
	currentTargetW float64
}

// Configured sets up a Coordinator from flags. The optional charger is
// attached by the caller once flags have parsed.
func Configured(engine *opsettings.Engine, store storage.Store) *Coordinator {
	installID := lflag.RequiredString("install-id", "Unique ID of this installation")
	tariff := lflag.String("capacity-tariff", "none", "Capacity tariff structure (none, same_day_night, different_day_night)")
	initialDelay := lflag.Duration("initial-update-delay", 10*time.Second, "Delay before the first full update after startup")
	quarterly := lflag.Duration("quarterly-interval", 15*time.Minute, "Base period of the full update cycle")
	target := lflag.Duration("target-interval", 5*time.Minute, "Period of the current-target recomputation")

	c := New("", engine, store, nil, types.CapacityTariffNone, Options{})
	lflag.Do(func() {
		parsed, err := types.ParseCapacityTariff(*tariff)
		if err != nil {
			panic(fmt.Sprintf("invalid capacity tariff: %v", err))
		}
		c.installID = *installID
		c.tariff = parsed
		c.opts.InitialDelay = *initialDelay
		c.opts.QuarterlyInterval = *quarterly
		c.opts.TargetInterval = *target
	})
	return c
}

// New creates a Coordinator. Zero Options fields get defaults.
func New(installID string, engine *opsettings.Engine, store storage.Store, charger *solarev.Charger, tariff types.CapacityTariff, opts Options) *Coordinator {
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 10 * time.Second
	}
	if opts.QuarterlyInterval == 0 {
		opts.QuarterlyInterval = 15 * time.Minute
	}
	if opts.TargetInterval == 0 {
		opts.TargetInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		installID: installID,
		engine:    engine,
		store:     store,
		charger:   charger,
		opts:      opts,
		selection: types.CompanionModeAuto,
		tariff:    tariff,
	}
}

// AttachCharger wires the optional solar EV charging collaborator.
// Must be called before Run.
func (c *Coordinator) AttachCharger(charger *solarev.Charger) {
	c.charger = charger
}

// jitter derives a stable per-install phase offset so many installs do
// not press the shared device backend in the same instant. It only
// shifts when the first quarterly cycle starts; the period itself stays
// fixed.
func (c *Coordinator) jitter() time.Duration {
	h := fnv.New32a()
	h.Write([]byte(c.installID))
	return time.Duration(h.Sum32()) % (c.opts.QuarterlyInterval / 5)
}

// Run loads the persisted memory and drives the periodic updates until
// the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = log.WithInstall(ctx, c.installID)

	mem, found, err := c.store.LoadMemory(ctx, c.installID)
	if err != nil {
		return fmt.Errorf("loading peak-shaving memory: %w", err)
	}
	if found {
		c.mu.Lock()
		c.memory = mem
		c.currentTargetW = mem.CurrentTarget(c.opts.Now(), c.tariff)
		c.mu.Unlock()
		log.Ctx(ctx).Info("loaded peak-shaving memory",
			"memory", mem,
		)
	}

	initial := time.NewTimer(c.opts.InitialDelay)
	defer initial.Stop()
	phase := time.NewTimer(c.opts.QuarterlyInterval + c.jitter())
	defer phase.Stop()
	var quarterly *time.Ticker
	var quarterlyC <-chan time.Time
	defer func() {
		if quarterly != nil {
			quarterly.Stop()
		}
	}()
	target := time.NewTicker(c.opts.TargetInterval)
	defer target.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-initial.C:
			if err := c.UpdateQuarterly(ctx); err != nil {
				log.Ctx(ctx).Warn("initial update failed",
					"error", err,
				)
			}
		case <-phase.C:
			quarterly = time.NewTicker(c.opts.QuarterlyInterval)
			quarterlyC = quarterly.C
			if err := c.UpdateQuarterly(ctx); err != nil {
				log.Ctx(ctx).Warn("quarterly update failed",
					"error", err,
				)
			}
		case <-quarterlyC:
			if err := c.UpdateQuarterly(ctx); err != nil {
				log.Ctx(ctx).Warn("quarterly update failed",
					"error", err,
				)
			}
		case <-target.C:
			c.UpdateEveryFiveMinutes(ctx)
		}
	}
}

// UpdateQuarterly runs one full cycle: fetch fresh data from the device,
// reconcile the peak-shaving memory against the optimizer's plan, then
// re-assert or release the override per the current selection.
func (c *Coordinator) UpdateQuarterly(ctx context.Context) error {
	ctx = log.WithInstall(ctx, c.installID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.engine.FetchAllData(ctx); err != nil {
		return err
	}
	if c.charger != nil {
		if err := c.charger.FetchAllData(ctx); err != nil {
			log.Ctx(ctx).Warn("solar ev fetch failed",
				"error", err,
			)
		} else if err := c.charger.UpdateWindow(ctx, c.engine.MaxSOC()); err != nil {
			log.Ctx(ctx).Warn("could not update solar ev soc window",
				"error", err,
			)
		}
	}
	if c.memory.Reconcile(c.engine.Original().DischargeW) {
		if err := c.store.SaveMemory(ctx, c.installID, c.memory); err != nil {
			log.Ctx(ctx).Warn("could not persist peak-shaving memory",
				"error", err,
			)
		}
	}
	c.currentTargetW = c.memory.CurrentTarget(c.opts.Now(), c.tariff)

	return c.apply(ctx, true)
}

// UpdateEveryFiveMinutes recomputes the currently applicable peak-shaving
// target from the day/night tariff rule and refreshes an active explicit
// override, which moves buy thresholds across the night boundary.
func (c *Coordinator) UpdateEveryFiveMinutes(ctx context.Context) {
	ctx = log.WithInstall(ctx, c.installID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentTargetW = c.memory.CurrentTarget(c.opts.Now(), c.tariff)
	if c.selection != types.CompanionModeAuto && c.engine.Active() {
		if err := c.apply(ctx, true); err != nil {
			log.Ctx(ctx).Warn("could not refresh override",
				"error", err,
			)
		}
	}
}

// SwitchAvoidSellingUpdate handles the avoid-selling switch changing.
func (c *Coordinator) SwitchAvoidSellingUpdate(ctx context.Context, on bool) error {
	ctx = log.WithInstall(ctx, c.installID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avoidSelling == on {
		return nil
	}
	c.avoidSelling = on
	log.Ctx(ctx).Info("avoid selling switched",
		"avoidSelling", on,
	)
	return c.apply(ctx, false)
}

// SetMode handles a companion-mode selection change. Reselecting the
// mode that is already active is a no-op so the selector entity can
// echo without triggering device round-trips.
func (c *Coordinator) SetMode(ctx context.Context, mode types.CompanionMode) error {
	ctx = log.WithInstall(ctx, c.installID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == c.selection {
		return nil
	}
	c.selection = mode
	log.Ctx(ctx).Info("companion mode selected",
		"mode", mode,
	)
	return c.apply(ctx, false)
}

// GenerateEvent dispatches an entity change to the right handler.
func (c *Coordinator) GenerateEvent(ctx context.Context, key, oldState, newState string) error {
	if oldState == newState {
		return nil
	}
	switch key {
	case EventKeyCompanionMode:
		mode, err := types.ParseCompanionMode(newState)
		if err != nil {
			return err
		}
		return c.SetMode(ctx, mode)
	case EventKeyAvoidSelling:
		on, err := strconv.ParseBool(newState)
		if err != nil {
			return fmt.Errorf("parsing avoid-selling state %q: %w", newState, err)
		}
		return c.SwitchAvoidSellingUpdate(ctx, on)
	default:
		log.Ctx(ctx).Debug("ignoring event for unknown key",
			"key", key,
		)
		return nil
	}
}

// apply is the single arbitration decision: derive the effective mode
// from the selection, the avoid-selling switch and the optimizer's plan,
// then override, refresh or release. Selling postures never survive the
// avoid-selling switch, regardless of which input asked for them.
// Callers must hold mu. useUpdate reuses an active override's state
// instead of refetching from the device.
func (c *Coordinator) apply(ctx context.Context, useUpdate bool) error {
	primary := c.memory.PrimaryW

	if c.selection != types.CompanionModeAuto {
		mode := c.selection.Mode()
		if c.avoidSelling && mode.Selling() {
			mode = types.ModePeakCharge
		}
		if useUpdate && c.engine.Active() {
			return c.engine.UpdateOverride(ctx, mode, primary, c.tariff)
		}
		return c.engine.Override(ctx, mode, primary, c.tariff)
	}

	if c.avoidSelling && c.engine.OriginalMode().Selling() {
		if useUpdate && c.engine.Active() {
			return c.engine.UpdateOverride(ctx, types.ModePeakCharge, primary, c.tariff)
		}
		return c.engine.Override(ctx, types.ModePeakCharge, primary, c.tariff)
	}

	if c.engine.Active() {
		return c.engine.StopOverride(ctx)
	}
	return nil
}

// Status is a point-in-time snapshot for the HTTP surface and sensors.
type Status struct {
	Mode           types.Mode              `json:"mode"`
	OriginalMode   types.Mode              `json:"originalMode"`
	Selection      types.CompanionMode     `json:"selection"`
	AvoidSelling   bool                    `json:"avoidSelling"`
	OverrideActive bool                    `json:"overrideActive"`
	Memory         types.PeakShavingMemory `json:"memory"`
	CurrentTargetW float64                 `json:"currentTargetW"`
	MaxSOC         float64                 `json:"maxSOC"`
}

// Status returns the current arbitration state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:           c.engine.Mode(),
		OriginalMode:   c.engine.OriginalMode(),
		Selection:      c.selection,
		AvoidSelling:   c.avoidSelling,
		OverrideActive: c.engine.Active(),
		Memory:         c.memory,
		CurrentTargetW: c.currentTargetW,
		MaxSOC:         c.engine.MaxSOC(),
	}
}

// InstallID returns the installation this coordinator drives.
func (c *Coordinator) InstallID() string {
	return c.installID
}
