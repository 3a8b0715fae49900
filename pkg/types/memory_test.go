package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeakShavingMemoryReconcile(t *testing.T) {
	t.Run("first nonzero observation is adopted", func(t *testing.T) {
		var m PeakShavingMemory
		assert.False(t, m.Reconcile(0))
		assert.False(t, m.Reconcile(-100000))
		assert.True(t, m.Reconcile(3005))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 3005}, m)
	})

	t.Run("hysteresis sequence", func(t *testing.T) {
		m := PeakShavingMemory{PrimaryW: 1000, SecondaryW: 2000}

		// same value: nothing changes
		assert.False(t, m.Reconcile(1000))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 1000, SecondaryW: 2000}, m)

		// ratio 2.0 updates the secondary, already there
		assert.False(t, m.Reconcile(2000))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 1000, SecondaryW: 2000}, m)

		// within the 40% band: drift tracking
		assert.True(t, m.Reconcile(900))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 900, SecondaryW: 2000}, m)
		assert.True(t, m.Reconcile(1100))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 1100, SecondaryW: 2000}, m)

		// sharp jump up only moves the secondary
		assert.True(t, m.Reconcile(2100))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 1100, SecondaryW: 2100}, m)
		assert.True(t, m.Reconcile(1900))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 1100, SecondaryW: 1900}, m)
	})

	t.Run("sharp drop demotes the primary", func(t *testing.T) {
		m := PeakShavingMemory{PrimaryW: 5000, SecondaryW: 6011}
		assert.True(t, m.Reconcile(2000))
		assert.Equal(t, PeakShavingMemory{PrimaryW: 2000, SecondaryW: 5000}, m)
	})
}

func TestPeakShavingMemoryCurrentTarget(t *testing.T) {
	loc := mustCET(t)
	day := time.Date(2025, 10, 7, 18, 20, 0, 0, loc)
	night := time.Date(2025, 10, 7, 22, 20, 0, 0, loc)
	m := PeakShavingMemory{PrimaryW: 3005, SecondaryW: 6011}

	assert.Equal(t, 3005.0, m.CurrentTarget(day, CapacityTariffDifferentDayNight))
	assert.Equal(t, 6011.0, m.CurrentTarget(night, CapacityTariffDifferentDayNight))
	assert.Equal(t, 3005.0, m.CurrentTarget(day, CapacityTariffSameDayNight))
	assert.Equal(t, 3005.0, m.CurrentTarget(night, CapacityTariffSameDayNight))
	assert.Equal(t, 0.0, m.CurrentTarget(day, CapacityTariffNone))
	assert.Equal(t, 0.0, m.CurrentTarget(night, CapacityTariffNone))
}
