// Package batch splits a record set into fixed-size WorkUnit groups.
//
// Concurrency in the fan-out executor is bounded by the partitioning:
// every group is dispatched at once, so the group size is the number of
// in-flight analysis calls.
package batch

import (
	"fmt"

	"github.com/ChuLiYu/bulk-analysis/pkg/types"
)

// DefaultSize is the batch size used when none is configured.
const DefaultSize = 5

// Partition splits units into ordered groups of size n. Every group has n
// units except possibly the last. Empty input yields zero groups.
func Partition[P any](units []types.WorkUnit[P], n int) ([][]types.WorkUnit[P], error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", types.ErrInvalidConfiguration, n)
	}
	if len(units) == 0 {
		return nil, nil
	}

	// Copy so later mutation of the caller's slice cannot leak into a running job.
	owned := make([]types.WorkUnit[P], len(units))
	copy(owned, units)

	groups := make([][]types.WorkUnit[P], 0, Count(len(units), n))
	for start := 0; start < len(owned); start += n {
		end := min(start+n, len(owned))
		groups = append(groups, owned[start:end:end])
	}
	return groups, nil
}

// Count returns ceil(total/n), the number of groups Partition produces.
func Count(total, n int) int {
	if n <= 0 || total <= 0 {
		return 0
	}
	return (total + n - 1) / n
}

// Units builds WorkUnits from raw payloads. idFunc derives the stable
// identifier of each payload; IDs must be non-empty and unique.
func Units[P any](payloads []P, idFunc func(i int, p P) string) ([]types.WorkUnit[P], error) {
	units := make([]types.WorkUnit[P], 0, len(payloads))
	seen := make(map[string]struct{}, len(payloads))

	for i, p := range payloads {
		id := idFunc(i, p)
		if id == "" {
			return nil, fmt.Errorf("%w: record %d has no identifier", types.ErrInvalidConfiguration, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate record identifier %q", types.ErrInvalidConfiguration, id)
		}
		seen[id] = struct{}{}
		units = append(units, types.WorkUnit[P]{ID: id, Payload: p})
	}
	return units, nil
}

// CheckIDs verifies that every unit has a non-empty, unique ID.
func CheckIDs[P any](units []types.WorkUnit[P]) error {
	seen := make(map[string]struct{}, len(units))
	for i, u := range units {
		if u.ID == "" {
			return fmt.Errorf("%w: unit %d has no identifier", types.ErrInvalidConfiguration, i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("%w: duplicate unit identifier %q", types.ErrInvalidConfiguration, u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	return nil
}
