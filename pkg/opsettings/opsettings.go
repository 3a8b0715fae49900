// Package opsettings drives the optimizer's operation settings: it reads
// the thresholds the optimizer planned, classifies them into a mode, and
// can override them to force a different mode while remembering what the
// optimizer originally wanted.
package opsettings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ferrocompanion/ferrocompanion/pkg/device"
	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Options tunes the engine. The zero value is completed by New.
type Options struct {
	// OverrideOffsetW is added to every written threshold so an override
	// is distinguishable from the optimizer's own value.
	OverrideOffsetW float64

	// BuyPowerOffsetW is added to buy thresholds to keep import headroom
	// under the fuse. Typically negative.
	BuyPowerOffsetW float64

	// NightBuyOffsetW is additionally applied to buy thresholds at night
	// when the capacity tariff distinguishes day and night.
	NightBuyOffsetW float64

	// DefaultBuyW is the buy threshold used when no peak-shaving target
	// is known yet.
	DefaultBuyW float64

	// SettleDelay is how long the device needs after a data trigger
	// before reads reflect fresh values.
	SettleDelay time.Duration

	// RetryBackoff is the wait before the single data-trigger retry.
	RetryBackoff time.Duration

	// Now and Sleep exist for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine owns the override state for one installation.
type Engine struct {
	store    device.EntityStore
	controls device.Controls
	opts     Options

	mu            sync.Mutex
	active        bool
	current       types.ThresholdPair
	original      types.ThresholdPair
	appliedOffset types.ThresholdPair
	maxSOC        float64
}

// Configured sets up an Engine from flags. The device store and resolved
// controls are attached later with Attach, after the device is ready.
func Configured() *Engine {
	overrideOffset := lflag.Int("override-offset-w", 1, "Watts added to overridden thresholds to mark them as ours")
	buyPowerOffset := lflag.Int("buy-power-offset-w", -200, "Watts added to buy thresholds for import headroom")
	nightBuyOffset := lflag.Int("night-buy-offset-w", 1000, "Extra watts on buy thresholds at night with a day/night tariff")
	defaultBuy := lflag.Int("default-buy-w", 1000, "Buy threshold in watts when no peak-shaving target is known")
	settle := lflag.Duration("device-settle-delay", 5*time.Second, "Wait after the data trigger before reading back")
	backoff := lflag.Duration("device-retry-backoff", 2*time.Second, "Wait before retrying a failed data trigger")

	e := New(nil, device.Controls{}, Options{})
	lflag.Do(func() {
		e.opts.OverrideOffsetW = float64(*overrideOffset)
		e.opts.BuyPowerOffsetW = float64(*buyPowerOffset)
		e.opts.NightBuyOffsetW = float64(*nightBuyOffset)
		e.opts.DefaultBuyW = float64(*defaultBuy)
		e.opts.SettleDelay = *settle
		e.opts.RetryBackoff = *backoff
	})
	return e
}

// New creates an Engine. Zero Options fields get defaults.
func New(store device.EntityStore, controls device.Controls, opts Options) *Engine {
	if opts.DefaultBuyW == 0 {
		opts.DefaultBuyW = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Engine{
		store:    store,
		controls: controls,
		opts:     opts,
		maxSOC:   -1,
	}
}

// Attach binds the device store and resolved controls to the engine.
func (e *Engine) Attach(store device.EntityStore, controls device.Controls) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	e.controls = controls
}

// FetchAllData presses the data trigger, waits for the device to settle
// and reads back the thresholds and the upper SOC reference. When an
// override is active and the read thresholds differ from what we wrote,
// the optimizer has planned new values behind our back: they become the
// new original and the override is written back out.
func (e *Engine) FetchAllData(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchAllData(ctx)
}

func (e *Engine) fetchAllData(ctx context.Context) error {
	if err := e.store.Press(ctx, e.controls.GetDataTrigger); err != nil {
		log.Ctx(ctx).Warn("data trigger failed, retrying once",
			"error", err,
		)
		if serr := e.opts.Sleep(ctx, e.opts.RetryBackoff); serr != nil {
			return serr
		}
		if err := e.store.Press(ctx, e.controls.GetDataTrigger); err != nil {
			return fmt.Errorf("pressing data trigger: %w", err)
		}
	}
	if err := e.opts.Sleep(ctx, e.opts.SettleDelay); err != nil {
		return err
	}

	if soc, err := e.readFloat(ctx, e.controls.MaxSOC); err != nil {
		log.Ctx(ctx).Warn("could not read upper soc reference",
			"error", err,
		)
	} else if soc > 0 {
		e.maxSOC = soc
	}

	discharge, err := e.readFloat(ctx, e.controls.DischargeThreshold)
	if err != nil {
		log.Ctx(ctx).Warn("could not read discharge threshold",
			"error", err,
		)
		return nil
	}
	charge, err := e.readFloat(ctx, e.controls.ChargeThreshold)
	if err != nil {
		log.Ctx(ctx).Warn("could not read charge threshold",
			"error", err,
		)
		return nil
	}
	read := types.ThresholdPair{DischargeW: discharge, ChargeW: charge}

	if !e.active {
		e.current = read
		e.original = read
		return nil
	}
	if read != e.current {
		// the optimizer planned new thresholds over our override
		e.original = read
		log.Ctx(ctx).Info("optimizer replaced override, re-asserting",
			"original", e.original,
			"override", e.current,
		)
		return e.write(ctx, e.current)
	}
	return nil
}

func (e *Engine) readFloat(ctx context.Context, id string) (float64, error) {
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s state %q: %w", id, s, err)
	}
	return v, nil
}

func (e *Engine) write(ctx context.Context, p types.ThresholdPair) error {
	if err := e.store.SetValue(ctx, e.controls.DischargeThreshold, p.DischargeW); err != nil {
		return fmt.Errorf("writing discharge threshold: %w", err)
	}
	if err := e.store.SetValue(ctx, e.controls.ChargeThreshold, p.ChargeW); err != nil {
		return fmt.Errorf("writing charge threshold: %w", err)
	}
	if err := e.store.Press(ctx, e.controls.ApplyTrigger); err != nil {
		return fmt.Errorf("pressing apply trigger: %w", err)
	}
	return nil
}

// targetFor returns the base threshold pair for the mode and the offsets
// that will be added on top of it.
func (e *Engine) targetFor(mode types.Mode, targetW float64, tariff types.CapacityTariff) (types.ThresholdPair, types.ThresholdPair) {
	var base types.ThresholdPair
	var offset types.ThresholdPair
	switch mode {
	case types.ModePeakCharge:
		base = types.ThresholdPair{DischargeW: targetW, ChargeW: 0}
	case types.ModePeakSell:
		base = types.ThresholdPair{DischargeW: targetW, ChargeW: -types.SellSentinelW}
	case types.ModeSell:
		base = types.UniformPair(-types.SellSentinelW)
	case types.ModeBuy:
		b := targetW
		if b == 0 {
			b = e.opts.DefaultBuyW
		}
		base = types.UniformPair(b)
		offset = types.UniformPair(e.opts.BuyPowerOffsetW)
		if types.IsNight(e.opts.Now(), tariff) {
			offset = offset.Add(types.UniformPair(e.opts.NightBuyOffsetW))
		}
	default: // self
		base = types.ThresholdPair{}
	}
	offset = offset.Add(types.UniformPair(e.opts.OverrideOffsetW))
	return base, offset
}

// Override forces the device into the given mode, remembering what the
// optimizer had planned so it can be restored later.
func (e *Engine) Override(ctx context.Context, mode types.Mode, targetW float64, tariff types.CapacityTariff) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fetchAllData(ctx); err != nil {
		return err
	}
	base, offset := e.targetFor(mode, targetW, tariff)
	pair := base.Add(offset)

	e.active = true
	e.current = pair
	e.appliedOffset = offset

	log.Ctx(ctx).Info("overriding operation settings",
		"mode", mode,
		"target", targetW,
		"thresholds", pair,
	)
	return e.write(ctx, pair)
}

// UpdateOverride recomputes the override thresholds for the given mode
// and rewrites them only when they changed, for example when a buy
// override crosses the day/night boundary. It does not refetch.
func (e *Engine) UpdateOverride(ctx context.Context, mode types.Mode, targetW float64, tariff types.CapacityTariff) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return nil
	}
	base, offset := e.targetFor(mode, targetW, tariff)
	pair := base.Add(offset)
	if pair == e.current {
		return nil
	}

	e.current = pair
	e.appliedOffset = offset
	log.Ctx(ctx).Info("updating override thresholds",
		"mode", mode,
		"thresholds", pair,
	)
	return e.write(ctx, pair)
}

// StopOverride restores the optimizer's planned thresholds.
func (e *Engine) StopOverride(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fetchAllData(ctx); err != nil {
		return err
	}
	if !e.active {
		return nil
	}
	e.active = false
	e.current = e.original
	e.appliedOffset = types.ThresholdPair{}

	log.Ctx(ctx).Info("stopping override",
		"restored", e.current,
	)
	return e.write(ctx, e.current)
}

// Mode classifies the thresholds currently applied on the device. While
// an override is active the applied offsets are subtracted first so the
// classification reflects the intended mode, not the marker offsets.
func (e *Engine) Mode() types.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return e.current.Sub(e.appliedOffset).Mode()
	}
	return e.current.Mode()
}

// OriginalMode classifies what the optimizer planned most recently.
func (e *Engine) OriginalMode() types.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.original.Mode()
}

// Active reports whether an override is in effect.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Current returns the thresholds most recently written or read.
func (e *Engine) Current() types.ThresholdPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Original returns the optimizer's planned thresholds.
func (e *Engine) Original() types.ThresholdPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.original
}

// MaxSOC returns the last valid upper SOC reference, or -1 when no valid
// value has been read yet.
func (e *Engine) MaxSOC() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSOC
}
