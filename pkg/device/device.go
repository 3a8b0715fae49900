package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotReady is returned when the optimizer's controls cannot be resolved
// yet, typically because the device has not published all of its entities.
// Callers should treat it as retryable.
var ErrNotReady = errors.New("device controls not ready")

// Entity is a single control or sensor exposed by the optimizer device.
// OriginalName is the display name the device publishes, which is stable
// across installs even when IDs are renamed locally.
type Entity struct {
	ID           string
	OriginalName string
}

// EntityStore reads and writes individual entity states.
type EntityStore interface {
	// Get returns the current state of the entity as a string.
	Get(ctx context.Context, id string) (string, error)

	// SetValue writes a numeric setpoint to the entity.
	SetValue(ctx context.Context, id string, value float64) error

	// Press triggers a button entity.
	Press(ctx context.Context, id string) error
}

// Registry enumerates the entities belonging to the same physical device
// as the given entity.
type Registry interface {
	Siblings(ctx context.Context, entityID string) ([]Entity, error)
}

// Store combines state access with device enumeration.
type Store interface {
	EntityStore
	Registry
}

// Controls holds the resolved entity IDs of the optimizer controls the
// companion drives. It is resolved once at startup and never re-scanned.
type Controls struct {
	GetDataTrigger     string
	ApplyTrigger       string
	DischargeThreshold string
	ChargeThreshold    string
	MaxSOC             string
}

// display names published by the optimizer for each control
const (
	nameGetData            = "Get data"
	nameApply              = "Update"
	nameDischargeThreshold = "Discharge threshold"
	nameChargeThreshold    = "Charge threshold"
	nameMaxSOC             = "Upper reference"
)

// ResolveControls finds the optimizer's control entities among the
// siblings of the configured settings entity. All five controls must be
// present or ErrNotReady is returned.
func ResolveControls(ctx context.Context, reg Registry, settingsEntityID string) (Controls, error) {
	sibs, err := reg.Siblings(ctx, settingsEntityID)
	if err != nil {
		return Controls{}, fmt.Errorf("listing siblings of %s: %w", settingsEntityID, err)
	}

	var c Controls
	for _, e := range sibs {
		switch e.OriginalName {
		case nameGetData:
			c.GetDataTrigger = e.ID
		case nameApply:
			c.ApplyTrigger = e.ID
		case nameDischargeThreshold:
			c.DischargeThreshold = e.ID
		case nameChargeThreshold:
			c.ChargeThreshold = e.ID
		case nameMaxSOC:
			c.MaxSOC = e.ID
		}
	}

	for name, id := range map[string]string{
		nameGetData:            c.GetDataTrigger,
		nameApply:              c.ApplyTrigger,
		nameDischargeThreshold: c.DischargeThreshold,
		nameChargeThreshold:    c.ChargeThreshold,
		nameMaxSOC:             c.MaxSOC,
	} {
		if id == "" {
			return Controls{}, fmt.Errorf("control %q not found: %w", name, ErrNotReady)
		}
	}
	return c, nil
}
