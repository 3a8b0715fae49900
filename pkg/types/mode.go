package types

import (
	"encoding/json"
	"fmt"
)

// ZeroBandW is the guard band (in W) around zero used when classifying
// thresholds. Readings with a magnitude below this are treated as zero so
// that jitter near 0 W does not flip the reported mode.
const ZeroBandW = 10.0

// SellSentinelW is the threshold written to mean "no limit" in the selling
// direction. The optimizer itself uses the same magnitude.
const SellSentinelW = 100000.0

// Mode is the operating mode derived from a threshold pair.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSelf
	ModePeakCharge
	ModePeakSell
	ModeBuy
	ModeSell
)

func (m Mode) String() string {
	switch m {
	case ModeSelf:
		return "self"
	case ModePeakCharge:
		return "peak_charge"
	case ModePeakSell:
		return "peak_sell"
	case ModeBuy:
		return "buy"
	case ModeSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Selling reports whether the mode exports stored energy to the grid.
func (m Mode) Selling() bool {
	return m == ModeSell || m == ModePeakSell
}

// MarshalJSON encodes the mode as its string name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode from its string name.
func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "self":
		*m = ModeSelf
	case "peak_charge":
		*m = ModePeakCharge
	case "peak_sell":
		*m = ModePeakSell
	case "buy":
		*m = ModeBuy
	case "sell":
		*m = ModeSell
	default:
		*m = ModeUnknown
	}
	return nil
}

// Classify derives the operating mode from a discharge/charge threshold
// pair. It is total: every input maps to a mode and never to an error.
func Classify(dischargeW, chargeW float64) Mode {
	switch {
	case dischargeW > ZeroBandW:
		switch {
		case chargeW > ZeroBandW:
			return ModeBuy
		case chargeW < -ZeroBandW:
			return ModePeakSell
		default:
			return ModePeakCharge
		}
	case dischargeW < -ZeroBandW:
		if chargeW < -ZeroBandW {
			return ModeSell
		}
		return ModeSelf
	default:
		return ModeSelf
	}
}

// CompanionMode is the mode selected by the user. Auto means "defer to
// whatever the optimizer reports"; every other value forces that mode via
// an override.
type CompanionMode string

const (
	CompanionModeAuto       CompanionMode = "auto"
	CompanionModeSelf       CompanionMode = "self"
	CompanionModePeakCharge CompanionMode = "peak_charge"
	CompanionModePeakSell   CompanionMode = "peak_sell"
	CompanionModeBuy        CompanionMode = "buy"
	CompanionModeSell       CompanionMode = "sell"
)

// ParseCompanionMode validates a user-supplied companion mode string.
func ParseCompanionMode(s string) (CompanionMode, error) {
	switch m := CompanionMode(s); m {
	case CompanionModeAuto, CompanionModeSelf, CompanionModePeakCharge,
		CompanionModePeakSell, CompanionModeBuy, CompanionModeSell:
		return m, nil
	}
	return "", fmt.Errorf("unknown companion mode: %q", s)
}

// Selling reports whether the selection would export stored energy.
func (m CompanionMode) Selling() bool {
	return m == CompanionModeSell || m == CompanionModePeakSell
}

// Mode returns the operating mode a concrete selection forces. Auto has
// no forced mode and maps to ModeUnknown.
func (m CompanionMode) Mode() Mode {
	switch m {
	case CompanionModeSelf:
		return ModeSelf
	case CompanionModePeakCharge:
		return ModePeakCharge
	case CompanionModePeakSell:
		return ModePeakSell
	case CompanionModeBuy:
		return ModeBuy
	case CompanionModeSell:
		return ModeSell
	default:
		return ModeUnknown
	}
}
