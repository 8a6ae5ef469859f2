// Package scheduler is the phased, revision-aware driver for periodic
// data: Phase 0 selects target periods, Phase 1 ingests, Phase 2
// normalizes, Phase 3 computes, Phase 4 evaluates readiness. Partitions
// are isolated from each other within a phase; phases run strictly
// serially, so no partition enters Phase 2 before its own Phase 1 has
// completed.
package scheduler

import (
	"fmt"
	"time"

	"marketspine/registry"
)

// SelectTargets computes Phase 0's target list: the last lookbackWeeks
// period-ends as of asOf, via period.DerivePeriodEnd walking backward one
// period at a time. If explicit is non-empty, it is used verbatim
// (subject to period.ValidateDate) instead.
func SelectTargets(period registry.PeriodStrategy, asOf time.Time, lookbackWeeks int, explicit []time.Time) ([]time.Time, error) {
	if len(explicit) > 0 {
		out := make([]time.Time, len(explicit))
		for i, d := range explicit {
			if err := period.ValidateDate(d); err != nil {
				return nil, fmt.Errorf("scheduler: explicit target %s: %w", period.FormatForDisplay(d), err)
			}
			out[i] = d
		}
		return out, nil
	}

	if lookbackWeeks <= 0 {
		return nil, fmt.Errorf("scheduler: lookback_weeks must be positive when no explicit targets are given")
	}

	latest := period.DerivePeriodEnd(asOf)
	targets := make([]time.Time, lookbackWeeks)
	cursor := latest
	for i := lookbackWeeks - 1; i >= 0; i-- {
		targets[i] = cursor
		cursor = period.DerivePeriodEnd(cursor.AddDate(0, 0, -7))
	}
	return targets, nil
}
