package conbuilder

import (
	"os/exec"
	"strings"
	"time"
)

// Show prints mounted overlays, running containers and the cached layers
// with their sizes, ages and dependency manifests.
func (b *Builder) Show() error {
	b.ui.Infof("Mounted overlays:")
	if lines, err := b.run.Capture(exec.Command("mount")); err == nil {
		for _, line := range lines {
			if strings.HasPrefix(line, "overlay") {
				b.ui.Infof("  %s", line)
			}
		}
	}

	b.ui.Infof("Running containers:")
	if lines, err := b.run.Capture(exec.Command("machinectl", "list")); err == nil {
		for _, line := range lines {
			if strings.Contains(line, machineName) {
				b.ui.Infof("  %s", line)
			}
		}
	}

	b.ui.Infof("Layers:")
	for _, tier := range []Tier{TierBase, TierDeps, TierBuild} {
		b.ui.Infof("  %s:", strings.ToUpper(string(tier)))
		layers, err := b.store.List(tier)
		if err != nil {
			return err
		}
		for _, layer := range layers {
			size := b.layerSize(tier, layer.ID)
			b.ui.Infof("    %-35s %-8s %.0f days", layer.ID, size, layer.Age.Hours()/24)
			for _, dep := range layer.Deps {
				b.ui.Infof("      %s:%s", dep.Name, dep.Version)
			}
		}
	}
	return nil
}

// layerSize asks du for the human readable size of a layer's content dir.
func (b *Builder) layerSize(tier Tier, id string) string {
	paths := b.store.PathsFor(tier, id)
	lines, err := b.run.Capture(exec.Command("du", "-hs", paths.Content))
	if err != nil || len(lines) == 0 {
		return "?"
	}
	fields := strings.Fields(lines[0])
	if len(fields) == 0 {
		return "?"
	}
	return fields[0]
}

// Purge runs the eviction policy with the configured thresholds.
func (b *Builder) Purge(dryRun, interactive bool) error {
	evictor := NewEvictor(b.store, b.ui)

	if interactive {
		layers, err := b.store.List(TierDeps)
		if err != nil {
			return err
		}
		if len(layers) == 0 {
			b.ui.Infof("No cached dependency layers.")
			return nil
		}
		selected, err := pickLayers(layers)
		if err != nil {
			return err
		}
		plan := EvictionPlan{Expired: selected}
		deleted, err := evictor.Apply(plan)
		if err != nil {
			return err
		}
		b.ui.Arrowf("Removed %d layers", deleted)
		return nil
	}

	plan, err := evictor.Plan(b.cfg.MaxAgeDays, b.cfg.MaxCount, time.Now())
	if err != nil {
		return err
	}
	candidates := plan.Candidates()
	if len(candidates) == 0 {
		b.ui.Infof("Nothing to purge.")
		return nil
	}
	if dryRun {
		for _, layer := range candidates {
			b.ui.Infof("would remove %s (%.0f days old)", layer.ID, layer.Age.Hours()/24)
		}
		return nil
	}
	deleted, err := evictor.Apply(plan)
	if err != nil {
		return err
	}
	b.ui.Arrowf("Removed %d of %d stale layers", deleted, len(candidates))
	return nil
}
