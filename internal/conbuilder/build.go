package conbuilder

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// BuildState is the per-session state machine position. Any state moves to
// FAILED on an external command or verification failure.
type BuildState string

const (
	StateNeedL1  BuildState = "NEED_L1"
	StateL1Ready BuildState = "L1_READY"
	StateNeedL2  BuildState = "NEED_L2"
	StateL2Ready BuildState = "L2_READY"
	StateNeedL3  BuildState = "NEED_L3"
	StateL3Ready BuildState = "L3_READY"
	StateDone    BuildState = "DONE"
	StateFailed  BuildState = "FAILED"
)

// Session is the ephemeral context of one invocation. It is created at entry
// and destroyed, with guaranteed unmounts, at session end regardless of
// outcome.
type Session struct {
	Codename    string
	SourceDir   string
	ExtraArgs   []string
	State       BuildState
	Deps        DependencySet
	Fingerprint string
	Success     bool

	mounts *mountStack
	locks  []*LayerLock
}

func (s *Session) fail(err error) error {
	s.State = StateFailed
	return err
}

// Builder is the cache lifecycle manager. It drives a build session across
// the three tiers, deciding create-vs-reuse at each one.
type Builder struct {
	cfg    *Config
	ui     *UI
	run    Runner
	store  *Store
	mounts *Mounter
	spawn  *Nspawn
	boot   *Bootstrap
	engine *FingerprintEngine
	export *Exporter
}

func NewBuilder(cfg *Config, ui *UI, run Runner) *Builder {
	spawn := NewNspawn(run)
	return &Builder{
		cfg:    cfg,
		ui:     ui,
		run:    run,
		store:  NewStore(cfg.CacheDir, run),
		mounts: NewMounter(run, ui),
		spawn:  spawn,
		boot:   NewBootstrap(run, ui, spawn, cfg.Mirror),
		engine: NewFingerprintEngine(spawn),
		export: NewExporter(cfg, ui),
	}
}

// Store exposes the layer store for the show and purge surfaces.
func (b *Builder) Store() *Store { return b.store }

// CreateBase creates a new L1 for the codename. Creating over an existing
// base system fails with a layer conflict and leaves it unmodified.
func (b *Builder) CreateBase(codename string) error {
	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierBase, codename)
	if err != nil {
		return err
	}
	defer lock.Release()

	layer, err := b.store.Create(TierBase, codename)
	if err != nil {
		return err
	}
	return b.boot.Create(codename, layer.Paths.Content)
}

// UpdateBase refreshes an existing L1 in place.
func (b *Builder) UpdateBase(codename string) error {
	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierBase, codename)
	if err != nil {
		return err
	}
	defer lock.Release()

	layer, ok := b.store.Open(TierBase, codename)
	if !ok {
		return fmt.Errorf("no base system for codename %s, run create first", codename)
	}
	return b.boot.Update(layer.Paths.Content)
}

// Build runs one package build session: ensure L1, fingerprint the
// dependency set, reuse or create L2, mount the L3 workspace, run the build
// tool and export the artifacts. Every mount established by the session is
// unmounted in strict reverse order on every exit path.
func (b *Builder) Build(codename, sourceDir string, extraArgs []string) (err error) {
	sess := &Session{
		Codename:  codename,
		SourceDir: sourceDir,
		ExtraArgs: extraArgs,
		State:     StateNeedL1,
		mounts:    newMountStack(b.mounts),
	}
	defer func() {
		if rerr := sess.mounts.Release(); rerr != nil && err == nil {
			err = rerr
		}
		for i := len(sess.locks) - 1; i >= 0; i-- {
			sess.locks[i].Release()
		}
		if err != nil {
			sess.State = StateFailed
		}
	}()

	l1, err := b.ensureBase(sess)
	if err != nil {
		return err
	}
	sess.State = StateL1Ready
	b.ui.Arrowf("[L1] Ready")

	sess.Deps, sess.Fingerprint, err = b.engine.Compute(l1.Paths.Content, sourceDir)
	if err != nil {
		return err
	}
	sess.State = StateNeedL2
	b.ui.Debugf("fingerprint %s over %d dependencies\n", sess.Fingerprint, len(sess.Deps))

	l2, err := b.ensureDeps(sess, l1)
	if err != nil {
		return err
	}

	// use cycle: reuse-or-fresh L2 is mounted for the whole rest of the
	// session, L1 raw content as its lower layer
	if err := sess.mounts.Mount(l1.Paths.Content, l2.Paths.Content, l2.Paths.Work, l2.Paths.Mount); err != nil {
		return err
	}
	l2.State = StateMounted
	sess.State = StateL2Ready
	b.ui.Arrowf("[L2] Ready")

	l3, err := b.ensureWorkspace(sess)
	if err != nil {
		return err
	}
	sess.State = StateNeedL3

	// L3 overlays L2's mount point, never its raw content dir
	if err := sess.mounts.Mount(l2.Paths.Mount, l3.Paths.Content, l3.Paths.Work, l3.Paths.Mount); err != nil {
		return err
	}
	l3.State = StateMounted
	sess.State = StateL3Ready

	logLines, err := b.runBuild(sess, l3)
	if err != nil {
		return err
	}
	sess.Success = true
	sess.State = StateDone

	// artifacts are read from the persisted content dir, after the overlay
	// is released
	if err := sess.mounts.Release(); err != nil {
		return err
	}
	return b.export.Export(l3.Paths.Content, sess.Fingerprint, logLines)
}

// ensureBase implements NEED_L1 -> L1_READY: bootstrap when absent, trust
// without content validation when present.
func (b *Builder) ensureBase(sess *Session) (Layer, error) {
	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierBase, sess.Codename)
	if err != nil {
		return Layer{}, err
	}
	sess.locks = append(sess.locks, lock)

	if layer, ok := b.store.Open(TierBase, sess.Codename); ok {
		return layer, nil
	}
	layer, err := b.store.Create(TierBase, sess.Codename)
	if err != nil {
		return Layer{}, err
	}
	if err := b.boot.Create(sess.Codename, layer.Paths.Content); err != nil {
		return Layer{}, err
	}
	layer.State = StateReady
	return layer, nil
}

// ensureDeps implements NEED_L2 -> L2_READY. Reusing a persisted layer for
// the fingerprint is the primary cache-hit path; otherwise the dependency
// set is installed in a dedicated mount/unmount cycle.
func (b *Builder) ensureDeps(sess *Session, l1 Layer) (Layer, error) {
	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierDeps, sess.Fingerprint)
	if err != nil {
		return Layer{}, err
	}
	sess.locks = append(sess.locks, lock)

	if layer, ok := b.store.Open(TierDeps, sess.Fingerprint); ok {
		if _, merr := b.store.ReadManifest(layer.Paths.Content); merr == nil {
			return layer, nil
		}
		// no manifest means a previous creation died midway
		b.ui.Warnf("[L2] %s is incomplete, recreating", sess.Fingerprint)
		if err := b.store.Remove(TierDeps, sess.Fingerprint); err != nil {
			return Layer{}, err
		}
	}

	b.ui.Arrowf("[L2] Creating %s", sess.Fingerprint)
	layer, err := b.store.Create(TierDeps, sess.Fingerprint)
	if err != nil {
		return Layer{}, err
	}

	// creation cycle: mount, install, clean, unmount, persist manifest
	create := newMountStack(b.mounts)
	defer create.Release()

	if err := create.Mount(l1.Paths.Content, layer.Paths.Content, layer.Paths.Work, layer.Paths.Mount); err != nil {
		return Layer{}, err
	}

	b.ui.Arrowf("[L2] Installing dependencies")
	if b.ui.Verbose == 0 {
		b.ui.Infof("[L2] %s", sess.Deps.Canonical())
	}
	out, err := b.spawn.Capture(NspawnOptions{
		Dir:        layer.Paths.Mount,
		BindSource: sess.SourceDir,
		Env:        map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}, "/usr/bin/apt-get", "build-dep", "-y", ".")
	if err != nil {
		return Layer{}, err
	}
	if _, err := ParseSimulatedInstall(out); err != nil {
		return Layer{}, err
	}

	if err := b.spawn.Run(NspawnOptions{
		Dir:        layer.Paths.Mount,
		BindSource: sess.SourceDir,
	}, "/usr/bin/apt-get", "clean"); err != nil {
		return Layer{}, err
	}

	if err := create.Release(); err != nil {
		return Layer{}, err
	}

	// the upper dir may only be touched offline; the manifest written last
	// also marks the layer complete
	if err := b.store.WriteManifest(layer.Paths.Content, sess.Deps); err != nil {
		return Layer{}, err
	}
	layer.State = StateReady
	return layer, nil
}

// ensureWorkspace implements L2_READY -> NEED_L3. The slot is scoped by the
// session fingerprint, so concurrent builds sharing a fingerprint contend on
// it; the layer lock serializes them.
func (b *Builder) ensureWorkspace(sess *Session) (Layer, error) {
	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierBuild, sess.Fingerprint)
	if err != nil {
		return Layer{}, err
	}
	sess.locks = append(sess.locks, lock)

	if layer, ok := b.store.Open(TierBuild, sess.Fingerprint); ok {
		return layer, nil
	}
	b.ui.Arrowf("[L3] Creating workspace")
	return b.store.Create(TierBuild, sess.Fingerprint)
}

// runBuild copies the source tree into the workspace and invokes the build
// tool inside the isolated namespace, extra arguments passed through
// verbatim.
func (b *Builder) runBuild(sess *Session, l3 Layer) ([]string, error) {
	srv := filepath.Join(l3.Paths.Mount, "srv")
	if err := b.run.Run(exec.Command("cp", "-a", sess.SourceDir+"/.", srv)); err != nil {
		return nil, err
	}

	command := append([]string{"/usr/bin/dpkg-buildpackage"}, sess.ExtraArgs...)
	return b.spawn.Capture(NspawnOptions{
		Dir:              l3.Paths.Mount,
		DropCapability:   b.cfg.DropCapability,
		SystemCallFilter: b.cfg.SystemCallFilter,
		PrivateNetwork:   b.cfg.PrivateNetwork,
	}, command...)
}
