package billing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"parkgate/internal/domain/parking"
)

var (
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInvalidTariff   = errors.New("invalid tariff")
)

// DurationMinutes returns the billable duration between entry and exit,
// rounded up to whole minutes with a one-minute floor. Exit before entry is
// the caller's error and is reported as such.
func DurationMinutes(entry, exit time.Time) (int64, error) {
	if exit.Before(entry) {
		return 0, fmt.Errorf("%w: exit %s before entry %s", ErrInvalidDuration, exit.Format(time.RFC3339), entry.Format(time.RFC3339))
	}
	minutes := int64(math.Ceil(exit.Sub(entry).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes, nil
}

// ComputeFee evaluates the tariff step function over the stay duration.
// The applicable band is the last threshold not exceeding the duration;
// beyond the top band the fee extends linearly per configured time unit.
// The result is rounded half-up to the currency's minor unit. Pure and
// deterministic: identical inputs always yield the identical fee.
func ComputeFee(entry, exit time.Time, tariff parking.Tariff) (float64, error) {
	if err := ValidateTariff(tariff); err != nil {
		return 0, err
	}
	minutes, err := DurationMinutes(entry, exit)
	if err != nil {
		return 0, err
	}

	bands := tariff.Bands
	band := bands[0]
	for _, b := range bands {
		if b.ThresholdMinutes > minutes {
			break
		}
		band = b
	}
	fee := band.Rate

	top := bands[len(bands)-1]
	if minutes > top.ThresholdMinutes && tariff.ExtensionRate > 0 {
		unit := tariff.ExtensionUnitMinutes
		extra := minutes - top.ThresholdMinutes
		units := (extra + unit - 1) / unit
		fee += float64(units) * tariff.ExtensionRate
	}

	return RoundHalfUp(fee), nil
}

// RoundHalfUp rounds an amount to two decimal places, ties away from zero.
func RoundHalfUp(amount float64) float64 {
	return math.Floor(amount*100+0.5) / 100
}

// ValidateTariff checks the schedule at startup. A malformed tariff is a
// configuration error and fatal to the process.
func ValidateTariff(tariff parking.Tariff) error {
	if len(tariff.Bands) == 0 {
		return fmt.Errorf("%w: at least one band is required", ErrInvalidTariff)
	}
	// Every duration down to the one-minute floor must land in a band.
	if tariff.Bands[0].ThresholdMinutes != 0 {
		return fmt.Errorf("%w: first band must start at zero minutes", ErrInvalidTariff)
	}
	prev := int64(-1)
	for i, band := range tariff.Bands {
		if band.ThresholdMinutes < 0 {
			return fmt.Errorf("%w: band %d has negative threshold", ErrInvalidTariff, i)
		}
		if band.ThresholdMinutes <= prev {
			return fmt.Errorf("%w: band thresholds must be strictly ascending", ErrInvalidTariff)
		}
		if band.Rate < 0 {
			return fmt.Errorf("%w: band %d has negative rate", ErrInvalidTariff, i)
		}
		prev = band.ThresholdMinutes
	}
	if tariff.ExtensionRate < 0 {
		return fmt.Errorf("%w: negative extension rate", ErrInvalidTariff)
	}
	if tariff.ExtensionRate > 0 && tariff.ExtensionUnitMinutes <= 0 {
		return fmt.Errorf("%w: extension rate requires a positive extension unit", ErrInvalidTariff)
	}
	return nil
}
