package types

import "time"

// CurrentMemoryVersion is the version stamp written with the persisted
// peak-shaving memory.
const CurrentMemoryVersion = 1

const (
	// driftBandLow/High bound the ratio new/primary inside which a fresh
	// optimizer reading is treated as normal drift of the primary target.
	driftBandLow  = 0.6
	driftBandHigh = 1.4
)

// PeakShavingMemory tracks the optimizer's "normal" discharge ceiling
// (primary) and a less frequently updated escape valve (secondary) used
// when the optimizer deviates sharply. Both start at 0 meaning unset.
type PeakShavingMemory struct {
	PrimaryW   float64 `json:"primary_peak_shaving_target_w"`
	SecondaryW float64 `json:"secondary_peak_shaving_target_w"`
}

// Reconcile folds a freshly observed optimizer discharge threshold into
// the memory and reports whether anything changed.
//
// The 40% hysteresis keeps a single transient spike from corrupting the
// primary target: values within the band track it, a sharp jump up only
// moves the secondary, and a sharp drop demotes the old primary into the
// secondary before adopting the new value.
func (m *PeakShavingMemory) Reconcile(newW float64) bool {
	if newW <= 0 {
		return false
	}
	if m.PrimaryW == 0 {
		m.PrimaryW = newW
		return true
	}
	ratio := newW / m.PrimaryW
	switch {
	case ratio > driftBandLow && ratio < driftBandHigh:
		if m.PrimaryW == newW {
			return false
		}
		m.PrimaryW = newW
	case ratio >= driftBandHigh:
		if m.SecondaryW == newW {
			return false
		}
		m.SecondaryW = newW
	default:
		m.SecondaryW = m.PrimaryW
		m.PrimaryW = newW
	}
	return true
}

// CurrentTarget returns the peak-shaving target applicable right now given
// the tariff: none has no target, same-day-night always uses the primary,
// different-day-night switches to the secondary during night hours.
func (m PeakShavingMemory) CurrentTarget(now time.Time, tariff CapacityTariff) float64 {
	switch tariff {
	case CapacityTariffSameDayNight:
		return m.PrimaryW
	case CapacityTariffDifferentDayNight:
		if IsNight(now, tariff) {
			return m.SecondaryW
		}
		return m.PrimaryW
	default:
		return 0
	}
}
