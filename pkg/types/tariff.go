package types

import (
	"fmt"
	"time"
)

// CapacityTariff describes how the utility charges for peak import power.
type CapacityTariff string

const (
	// CapacityTariffNone: no capacity component, peak shaving is pointless.
	CapacityTariffNone CapacityTariff = "none"
	// CapacityTariffSameDayNight: one peak fee regardless of hour.
	CapacityTariffSameDayNight CapacityTariff = "same_day_night"
	// CapacityTariffDifferentDayNight: night peaks are charged separately
	// (and cheaper), so a higher import ceiling is safe at night.
	CapacityTariffDifferentDayNight CapacityTariff = "different_day_night"
)

// ParseCapacityTariff validates a configured capacity tariff string.
func ParseCapacityTariff(s string) (CapacityTariff, error) {
	switch t := CapacityTariff(s); t {
	case CapacityTariffNone, CapacityTariffSameDayNight, CapacityTariffDifferentDayNight:
		return t, nil
	}
	return "", fmt.Errorf("unknown capacity tariff: %q", s)
}

const (
	nightStartHour = 22
	nightEndHour   = 6
)

// IsNight reports whether the night tariff period applies at the given
// time. Night is the half-open interval [22:00, 06:00) local time and only
// exists for the different-day-night tariff.
func IsNight(now time.Time, tariff CapacityTariff) bool {
	if tariff != CapacityTariffDifferentDayNight {
		return false
	}
	h := now.Hour()
	return h >= nightStartHour || h < nightEndHour
}
