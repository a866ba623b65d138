package conbuilder

import (
	"time"
)

// EvictionPlan lists the L2 layers selected for reclamation.
type EvictionPlan struct {
	Expired  []LayerInfo // older than the age threshold
	Overflow []LayerInfo // oldest layers beyond the count limit
	Kept     []LayerInfo
}

// Candidates returns everything the plan would delete.
func (p EvictionPlan) Candidates() []LayerInfo {
	return append(append([]LayerInfo{}, p.Expired...), p.Overflow...)
}

// Evictor reclaims stale L2 layers by age and count thresholds. A layer held
// by an in-flight build keeps its advisory lock, which the evictor respects.
type Evictor struct {
	store *Store
	ui    *UI
}

func NewEvictor(store *Store, ui *UI) *Evictor {
	return &Evictor{store: store, ui: ui}
}

// Plan enumerates the persisted L2 layers and selects every layer older than
// maxAgeDays, then the oldest of the remainder until at most maxCount are
// left.
func (e *Evictor) Plan(maxAgeDays, maxCount int, now time.Time) (EvictionPlan, error) {
	layers, err := e.store.List(TierDeps)
	if err != nil {
		return EvictionPlan{}, err
	}

	var plan EvictionPlan
	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	var remaining []LayerInfo
	for _, layer := range layers {
		if layer.Age > maxAge {
			plan.Expired = append(plan.Expired, layer)
		} else {
			remaining = append(remaining, layer)
		}
	}

	// List returns oldest first, so trimming down to maxCount drops from
	// the front.
	for len(remaining) > maxCount {
		plan.Overflow = append(plan.Overflow, remaining[0])
		remaining = remaining[1:]
	}
	plan.Kept = remaining
	return plan, nil
}

// Apply deletes the planned layers, skipping any whose lock is held by a
// live session, and removes the matching L3 workspaces.
func (e *Evictor) Apply(plan EvictionPlan) (deleted int, err error) {
	for _, layer := range plan.Candidates() {
		lock, err := TryLayerLock(e.store.Root(), TierDeps, layer.ID)
		if err != nil {
			return deleted, err
		}
		if lock == nil {
			e.ui.Warnf("[purge] %s is in use, skipping", layer.ID)
			continue
		}
		e.ui.Arrowf("[purge] Removing %s (%.0f days old)", layer.ID, layer.Age.Hours()/24)
		rmErr := e.store.Remove(TierDeps, layer.ID)
		if rmErr == nil {
			// the fingerprint-scoped build workspace is useless without
			// its dependency layer
			rmErr = e.store.Remove(TierBuild, layer.ID)
		}
		lock.Release()
		if rmErr != nil {
			return deleted, rmErr
		}
		deleted++
	}
	return deleted, nil
}
