package opsettings

import (
	"context"
	"testing"
	"time"

	"github.com/ferrocompanion/ferrocompanion/pkg/device"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idGetData   = "button.get_data"
	idApply     = "button.update"
	idDischarge = "number.discharge_threshold"
	idCharge    = "number.charge_threshold"
	idMaxSOC    = "number.upper_reference"
)

func testControls() device.Controls {
	return device.Controls{
		GetDataTrigger:     idGetData,
		ApplyTrigger:       idApply,
		DischargeThreshold: idDischarge,
		ChargeThreshold:    idCharge,
		MaxSOC:             idMaxSOC,
	}
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T, discharge, charge string) (*Engine, *device.Fake, *fixedClock) {
	t.Helper()
	f := device.NewFake()
	f.DataTriggerID = idGetData
	f.SetState(idDischarge, discharge)
	f.SetState(idCharge, charge)
	f.SetState(idMaxSOC, "90")

	clock := &fixedClock{now: time.Date(2025, 10, 7, 12, 0, 0, 0, time.UTC)}
	e := New(f, testControls(), Options{
		OverrideOffsetW: 1,
		BuyPowerOffsetW: -200,
		NightBuyOffsetW: 1000,
		Now:             clock.Now,
		Sleep:           func(ctx context.Context, d time.Duration) error { return nil },
	})
	return e, f, clock
}

func TestFetchAllData(t *testing.T) {
	ctx := context.Background()

	t.Run("adopts readings when not overriding", func(t *testing.T) {
		e, _, _ := newTestEngine(t, "3005", "0")
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Current())
		assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Original())
		assert.Equal(t, 90.0, e.MaxSOC())
		assert.Equal(t, types.ModePeakCharge, e.Mode())
		assert.Equal(t, types.ModePeakCharge, e.OriginalMode())
	})

	t.Run("reading the mode does not change it", func(t *testing.T) {
		e, f, _ := newTestEngine(t, "0", "0")
		require.NoError(t, e.FetchAllData(ctx))
		first := e.Mode()
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, first, e.Mode())
		assert.Empty(t, f.Writes())
	})

	t.Run("retries the data trigger once", func(t *testing.T) {
		e, f, _ := newTestEngine(t, "100", "0")
		f.FailNextPress(idGetData, 1)
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, types.ThresholdPair{DischargeW: 100, ChargeW: 0}, e.Current())

		f.FailNextPress(idGetData, 2)
		require.Error(t, e.FetchAllData(ctx))
	})

	t.Run("keeps state on unparseable readings", func(t *testing.T) {
		e, f, _ := newTestEngine(t, "3005", "0")
		require.NoError(t, e.FetchAllData(ctx))

		f.SetState(idDischarge, "unavailable")
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Current())
	})

	t.Run("ignores non-positive soc reference", func(t *testing.T) {
		e, f, _ := newTestEngine(t, "0", "0")
		f.SetState(idMaxSOC, "0")
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, -1.0, e.MaxSOC())

		f.SetState(idMaxSOC, "85")
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, 85.0, e.MaxSOC())
	})
}

func TestOverrideRoundTrip(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		mode types.Mode
		want types.ThresholdPair
	}{
		{types.ModeSelf, types.ThresholdPair{DischargeW: 1, ChargeW: 1}},
		{types.ModePeakCharge, types.ThresholdPair{DischargeW: 3006, ChargeW: 1}},
		{types.ModePeakSell, types.ThresholdPair{DischargeW: 3006, ChargeW: -99999}},
		{types.ModeSell, types.ThresholdPair{DischargeW: -99999, ChargeW: -99999}},
		{types.ModeBuy, types.ThresholdPair{DischargeW: 2806, ChargeW: 2806}},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			e, f, _ := newTestEngine(t, "3005", "0")
			require.NoError(t, e.Override(ctx, tc.mode, 3005, types.CapacityTariffSameDayNight))
			assert.True(t, e.Active())
			assert.Equal(t, tc.want, e.Current())
			assert.Equal(t, tc.mode, e.Mode())
			// the optimizer's plan is untouched
			assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Original())
			assert.Equal(t, types.ModePeakCharge, e.OriginalMode())

			f.Reset()
			require.NoError(t, e.StopOverride(ctx))
			assert.False(t, e.Active())
			assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Current())
			assert.Equal(t, types.ModePeakCharge, e.Mode())
		})
	}
}

func TestOverrideBuyWithoutTariff(t *testing.T) {
	ctx := context.Background()
	e, f, _ := newTestEngine(t, "0", "0")

	require.NoError(t, e.Override(ctx, types.ModeBuy, 6011, types.CapacityTariffNone))
	assert.Equal(t, types.UniformPair(5812), e.Current())
	assert.Equal(t, types.ModeBuy, e.Mode())

	writes := f.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, device.Write{ID: idDischarge, Value: 5812}, writes[0])
	assert.Equal(t, device.Write{ID: idCharge, Value: 5812}, writes[1])
}

func TestOverrideBuyDefaultTarget(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, "0", "0")

	require.NoError(t, e.Override(ctx, types.ModeBuy, 0, types.CapacityTariffNone))
	assert.Equal(t, types.UniformPair(801), e.Current())
}

func TestOverrideBuyNightCrossing(t *testing.T) {
	ctx := context.Background()
	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)

	e, f, clock := newTestEngine(t, "0", "0")
	clock.now = time.Date(2025, 10, 7, 21, 59, 0, 0, loc)

	require.NoError(t, e.Override(ctx, types.ModeBuy, 6011, types.CapacityTariffDifferentDayNight))
	assert.Equal(t, types.UniformPair(5812), e.Current())

	// crossing into the night window raises the buy thresholds
	clock.now = time.Date(2025, 10, 7, 22, 1, 0, 0, loc)
	require.NoError(t, e.UpdateOverride(ctx, types.ModeBuy, 6011, types.CapacityTariffDifferentDayNight))
	assert.Equal(t, types.UniformPair(6812), e.Current())
	assert.Equal(t, types.ModeBuy, e.Mode())

	// still night, nothing to rewrite
	f.Reset()
	clock.now = time.Date(2025, 10, 8, 5, 59, 0, 0, loc)
	require.NoError(t, e.UpdateOverride(ctx, types.ModeBuy, 6011, types.CapacityTariffDifferentDayNight))
	assert.Equal(t, types.UniformPair(6812), e.Current())
	assert.Empty(t, f.Writes())

	// morning restores the day thresholds
	clock.now = time.Date(2025, 10, 8, 6, 1, 0, 0, loc)
	require.NoError(t, e.UpdateOverride(ctx, types.ModeBuy, 6011, types.CapacityTariffDifferentDayNight))
	assert.Equal(t, types.UniformPair(5812), e.Current())
}

func TestStopOverrideWithoutOverride(t *testing.T) {
	ctx := context.Background()
	e, f, _ := newTestEngine(t, "3005", "0")
	require.NoError(t, e.FetchAllData(ctx))
	f.Reset()

	require.NoError(t, e.StopOverride(ctx))
	require.NoError(t, e.StopOverride(ctx))
	assert.Empty(t, f.Writes())
	assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Current())
}

func TestFetchEchoVersusExternalChange(t *testing.T) {
	ctx := context.Background()
	e, f, _ := newTestEngine(t, "3005", "0")

	require.NoError(t, e.Override(ctx, types.ModePeakCharge, 3005, types.CapacityTariffSameDayNight))
	assert.Equal(t, types.ThresholdPair{DischargeW: 3006, ChargeW: 1}, e.Current())
	f.Reset()

	t.Run("echo of our own write is not a plan change", func(t *testing.T) {
		require.NoError(t, e.FetchAllData(ctx))
		assert.Empty(t, f.Writes())
		assert.Equal(t, types.ThresholdPair{DischargeW: 3005, ChargeW: 0}, e.Original())
	})

	t.Run("optimizer update becomes the new original and is overridden again", func(t *testing.T) {
		f.QueueReading(map[string]string{
			idDischarge: "4000",
			idCharge:    "0",
		})
		require.NoError(t, e.FetchAllData(ctx))
		assert.Equal(t, types.ThresholdPair{DischargeW: 4000, ChargeW: 0}, e.Original())
		// the override is re-asserted on the device
		writes := f.Writes()
		require.Len(t, writes, 2)
		assert.Equal(t, device.Write{ID: idDischarge, Value: 3006}, writes[0])
		assert.Equal(t, device.Write{ID: idCharge, Value: 1}, writes[1])
		assert.Equal(t, types.ModePeakCharge, e.Mode())
	})
}
