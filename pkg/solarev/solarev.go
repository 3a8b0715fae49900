// Package solarev computes the SOC window inside which surplus solar
// should go to EV charging instead of the home battery. The actual
// charger scheduling lives outside the companion; this only maintains
// the start/stop SOC setpoints.
package solarev

import (
	"context"
	"strconv"
	"sync"

	"github.com/ferrocompanion/ferrocompanion/pkg/device"
	"github.com/ferrocompanion/ferrocompanion/pkg/log"
)

// socWindowGap is the distance in SOC percentage points between the stop
// and start setpoints.
const socWindowGap = 5.0

// Entities names the device entities the charger reads and writes.
type Entities struct {
	RatedCapacityWh  string
	ExternalVoltage  string
	RemainingSolarWh string
	HoursUntilSunset string
	StartSOC         string
	StopSOC          string
}

// Charger maintains the solar EV charging SOC window for one install.
type Charger struct {
	store         device.EntityStore
	entities      Entities
	assumedHouseW float64

	mu          sync.Mutex
	ratedWh     float64
	voltage     float64
	remainingWh float64
	sunsetHours float64
	startSOC    float64
	stopSOC     float64
	windowSet   bool
}

// New creates a Charger reading and writing the given entities.
// assumedHouseW is the base house load subtracted from the remaining
// solar forecast.
func New(store device.EntityStore, entities Entities, assumedHouseW float64) *Charger {
	return &Charger{
		store:         store,
		entities:      entities,
		assumedHouseW: assumedHouseW,
	}
}

// FetchAllData reads the battery's rated capacity, the external voltage
// and the solar forecast inputs. Bad readings are logged and skipped;
// the last good values stay in place.
func (c *Charger) FetchAllData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, err := c.readFloat(ctx, c.entities.RatedCapacityWh); err != nil {
		log.Ctx(ctx).Warn("could not read rated capacity",
			"error", err,
		)
	} else if v > 0 {
		c.ratedWh = v
	}
	if v, err := c.readFloat(ctx, c.entities.ExternalVoltage); err != nil {
		log.Ctx(ctx).Warn("could not read external voltage",
			"error", err,
		)
	} else if v > 0 {
		c.voltage = v
	}
	if v, err := c.readFloat(ctx, c.entities.RemainingSolarWh); err != nil {
		log.Ctx(ctx).Warn("could not read remaining solar forecast",
			"error", err,
		)
	} else if v >= 0 {
		c.remainingWh = v
	}
	if v, err := c.readFloat(ctx, c.entities.HoursUntilSunset); err != nil {
		log.Ctx(ctx).Warn("could not read hours until sunset",
			"error", err,
		)
	} else if v >= 0 {
		c.sunsetHours = v
	}
	return nil
}

func (c *Charger) readFloat(ctx context.Context, id string) (float64, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// StartStopSOC computes the SOC window from the remaining solar
// forecast. The battery should stop charging early enough that the
// expected solar surplus until sunset can still fit below the upper SOC
// reference.
func (c *Charger) StartStopSOC(remainingSolarWh, assumedHouseW, hoursUntilSunset, maxSOC float64) (startSOC, stopSOC float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startStopSOC(remainingSolarWh, assumedHouseW, hoursUntilSunset, maxSOC)
}

func (c *Charger) startStopSOC(remainingSolarWh, assumedHouseW, hoursUntilSunset, maxSOC float64) (startSOC, stopSOC float64) {
	if c.ratedWh <= 0 || maxSOC <= 0 {
		return 0, 0
	}
	surplusWh := remainingSolarWh - assumedHouseW*hoursUntilSunset
	stopSOC = (c.ratedWh*maxSOC/100 - surplusWh) / c.ratedWh * 100
	if stopSOC > maxSOC-socWindowGap {
		stopSOC = maxSOC - socWindowGap
	}
	if stopSOC < 0 {
		stopSOC = 0
	}
	return stopSOC + socWindowGap, stopSOC
}

// UpdateWindow recomputes the SOC window from the most recently fetched
// forecast and writes it to the device when it changed. It is driven by
// the coordinator after every full update cycle.
func (c *Charger) UpdateWindow(ctx context.Context, maxSOC float64) error {
	c.mu.Lock()
	start, stop := c.startStopSOC(c.remainingWh, c.assumedHouseW, c.sunsetHours, maxSOC)
	c.mu.Unlock()
	return c.SetStartStopSOC(ctx, start, stop)
}

// SetStartStopSOC writes the SOC window to the device, skipping the
// write when nothing changed. An empty window means the inputs are not
// known yet and is never written.
func (c *Charger) SetStartStopSOC(ctx context.Context, startSOC, stopSOC float64) error {
	if startSOC == 0 && stopSOC == 0 {
		return nil
	}

	c.mu.Lock()
	unchanged := c.windowSet && startSOC == c.startSOC && stopSOC == c.stopSOC
	if !unchanged {
		c.startSOC = startSOC
		c.stopSOC = stopSOC
		c.windowSet = true
	}
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	log.Ctx(ctx).Info("updating solar ev soc window",
		"startSOC", startSOC,
		"stopSOC", stopSOC,
	)
	if err := c.store.SetValue(ctx, c.entities.StartSOC, startSOC); err != nil {
		return err
	}
	return c.store.SetValue(ctx, c.entities.StopSOC, stopSOC)
}
