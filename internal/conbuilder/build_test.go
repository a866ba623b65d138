package conbuilder

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

var simDeps = []string{
	"Reading package lists...",
	"Inst libfoo (1.0 Debian:unstable [amd64]) []",
	"Inst libbar (2.0 Debian:unstable [amd64]) []",
}

func simFingerprint(t *testing.T) string {
	t.Helper()
	deps, err := ParseSimulatedInstall(simDeps)
	if err != nil {
		t.Fatal(err)
	}
	return deps.Fingerprint()
}

func sourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "debian"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "debian", "control"), []byte("Source: hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestBuildEndToEnd(t *testing.T) {
	run := &fakeRunner{
		t:          t,
		depsOutput: simDeps,
		artifacts:  []string{"hello_1.0_amd64.deb", "hello_1.0.changes", "hello_1.0.dsc"},
	}
	b, cfg := testBuilder(t, run)

	if err := b.Build("sid", sourceDir(t), nil); err != nil {
		t.Fatal(err)
	}

	store := b.Store()
	fp := simFingerprint(t)
	if !store.Exists(TierBase, "sid") {
		t.Error("base system was not persisted")
	}
	if !store.Exists(TierDeps, fp) {
		t.Errorf("dependency layer %s was not persisted", fp)
	}
	if n := run.countCalls("debootstrap", "sid"); n != 1 {
		t.Errorf("debootstrap ran %d times", n)
	}

	deps, err := store.ReadManifest(store.PathsFor(TierDeps, fp).Content)
	if err != nil {
		t.Fatal(err)
	}
	want := DependencySet{{Name: "libbar", Version: "2.0"}, {Name: "libfoo", Version: "1.0"}}
	if !reflect.DeepEqual(deps, want) {
		t.Errorf("manifest %v, want %v", deps, want)
	}

	for _, name := range run.artifacts {
		if _, err := os.Stat(filepath.Join(cfg.ExportDir, name)); err != nil {
			t.Errorf("artifact %s was not exported", name)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.ExportDir, "conbuilder-"+fp+".log.xz")); err != nil {
		t.Error("compressed build log was not exported")
	}

	l2mnt := store.PathsFor(TierDeps, fp).Mount
	l3mnt := store.PathsFor(TierBuild, fp).Mount
	wantEvents := [][2]string{
		{"mount", l2mnt}, // dependency install cycle
		{"umount", l2mnt},
		{"mount", l2mnt}, // session stack
		{"mount", l3mnt},
		{"umount", l3mnt},
		{"umount", l2mnt},
	}
	if got := run.mountEvents(); !reflect.DeepEqual(got, wantEvents) {
		t.Errorf("mount sequence %v, want %v", got, wantEvents)
	}
}

func TestBuildReusesCachedLayers(t *testing.T) {
	run := &fakeRunner{
		t:          t,
		depsOutput: simDeps,
		artifacts:  []string{"hello_1.0_amd64.deb"},
	}
	b, _ := testBuilder(t, run)
	src := sourceDir(t)

	if err := b.Build("sid", src, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Build("sid", src, nil); err != nil {
		t.Fatal(err)
	}

	if n := run.countCalls("debootstrap"); n != 1 {
		t.Errorf("debootstrap ran %d times across two builds", n)
	}
	if n := run.countCalls("build-dep", "-y"); n != 1 {
		t.Errorf("dependency install ran %d times across two builds", n)
	}
	if n := run.countCalls("dpkg-buildpackage"); n != 2 {
		t.Errorf("build tool ran %d times", n)
	}

	events := run.mountEvents()
	mounts, umounts := 0, 0
	for _, ev := range events {
		if ev[0] == "mount" {
			mounts++
		} else {
			umounts++
		}
	}
	if mounts != umounts {
		t.Errorf("%d mounts vs %d unmounts", mounts, umounts)
	}
}

func TestManifestWrittenAfterInstallCycleUnmount(t *testing.T) {
	run := &fakeRunner{t: t, depsOutput: simDeps}
	b, _ := testBuilder(t, run)
	fp := simFingerprint(t)
	paths := b.Store().PathsFor(TierDeps, fp)
	manifest := filepath.Join(paths.Content, manifestName)

	// the upper dir must not be touched while the creation overlay is up
	umounts := 0
	run.umountHook = func(mnt string) {
		if mnt != paths.Mount {
			return
		}
		umounts++
		if umounts == 1 {
			if _, err := os.Stat(manifest); err == nil {
				t.Error("manifest written while the dependency layer was mounted")
			}
		}
	}

	if err := b.Build("sid", sourceDir(t), nil); err != nil {
		t.Fatal(err)
	}
	if umounts == 0 {
		t.Fatal("creation cycle never unmounted")
	}
	if _, err := os.Stat(manifest); err != nil {
		t.Error("manifest missing after the build")
	}
}

func TestIncompleteDepsLayerIsRecreated(t *testing.T) {
	run := &fakeRunner{t: t, depsOutput: simDeps, failOn: "-y"}
	b, _ := testBuilder(t, run)
	src := sourceDir(t)
	fp := simFingerprint(t)

	// first build dies during dependency install, leaving the content dir
	// without a manifest
	if err := b.Build("sid", src, nil); err == nil {
		t.Fatal("build survived a failing dependency install")
	}
	store := b.Store()
	if !store.Exists(TierDeps, fp) {
		t.Fatal("half-created layer did not persist")
	}
	if _, err := store.ReadManifest(store.PathsFor(TierDeps, fp).Content); err == nil {
		t.Fatal("failed creation left a manifest behind")
	}

	run.failOn = ""
	if err := b.Build("sid", src, nil); err != nil {
		t.Fatal(err)
	}
	if n := run.countCalls("build-dep", "-y"); n != 2 {
		t.Errorf("dependency install ran %d times, want a retry on the incomplete layer", n)
	}
	deps, err := store.ReadManifest(store.PathsFor(TierDeps, fp).Content)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 {
		t.Errorf("manifest has %d entries, want 2", len(deps))
	}
}

func TestBuildFailureUnmountsEverything(t *testing.T) {
	run := &fakeRunner{
		t:          t,
		depsOutput: simDeps,
		failOn:     "dpkg-buildpackage",
	}
	b, cfg := testBuilder(t, run)

	err := b.Build("sid", sourceDir(t), nil)
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want CommandError", err)
	}

	events := run.mountEvents()
	mounts, umounts := 0, 0
	for _, ev := range events {
		if ev[0] == "mount" {
			mounts++
		} else {
			umounts++
		}
	}
	if mounts != umounts {
		t.Errorf("%d mounts vs %d unmounts after failure", mounts, umounts)
	}
	if last := events[len(events)-1]; last[0] != "umount" {
		t.Errorf("last mount event is %v, want an unmount", last)
	}

	if entries, err := os.ReadDir(cfg.ExportDir); err == nil && len(entries) > 0 {
		t.Error("artifacts were exported for a failed build")
	}

	// the cached layers survive the failed session
	if !b.Store().Exists(TierBase, "sid") || !b.Store().Exists(TierDeps, simFingerprint(t)) {
		t.Error("cached layers were lost on failure")
	}
}

func TestBuildFailsOnMalformedResolution(t *testing.T) {
	run := &fakeRunner{
		t:          t,
		depsOutput: []string{"Inst libfoo no-version-here"},
	}
	b, _ := testBuilder(t, run)

	err := b.Build("sid", sourceDir(t), nil)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ParseError", err)
	}
	if run.countCalls("build-dep", "-y") != 0 {
		t.Error("dependency install ran despite a parse failure")
	}
}

func TestBuildPassesExtraArgs(t *testing.T) {
	run := &fakeRunner{t: t, depsOutput: simDeps}
	b, _ := testBuilder(t, run)

	if err := b.Build("sid", sourceDir(t), []string{"-j4", "--no-sign"}); err != nil {
		t.Fatal(err)
	}
	if run.countCalls("dpkg-buildpackage", "-j4", "--no-sign") != 1 {
		t.Error("extra arguments were not passed to the build tool")
	}
}

func TestCreateBaseConflict(t *testing.T) {
	run := &fakeRunner{t: t}
	b, _ := testBuilder(t, run)

	if err := b.CreateBase("sid"); err != nil {
		t.Fatal(err)
	}
	err := b.CreateBase("sid")
	var cerr *LayerConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want LayerConflictError", err)
	}
	if n := run.countCalls("debootstrap"); n != 1 {
		t.Errorf("debootstrap ran %d times", n)
	}
}

func TestUpdateBaseRequiresExistingLayer(t *testing.T) {
	run := &fakeRunner{t: t}
	b, _ := testBuilder(t, run)

	if err := b.UpdateBase("sid"); err == nil {
		t.Fatal("update of a missing base system succeeded")
	}

	if err := b.CreateBase("sid"); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateBase("sid"); err != nil {
		t.Fatal(err)
	}
	if run.countCalls("apt-get", "update") != 1 || run.countCalls("dist-upgrade") != 1 {
		t.Error("update did not refresh the base system")
	}
}

func TestInstallUsesTransientLayer(t *testing.T) {
	run := &fakeRunner{t: t}
	b, _ := testBuilder(t, run)

	deb := filepath.Join(t.TempDir(), "hello_1.0_amd64.deb")
	if err := os.WriteFile(deb, []byte("deb"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := b.Install("sid", []string{deb}); err != nil {
		t.Fatal(err)
	}
	if run.countCalls("apt install -y /srv/hello_1.0_amd64.deb") != 1 {
		t.Error("package install did not run inside the container")
	}

	id := installSlotID([]string{deb})
	if b.Store().Exists(TierInstall, id) {
		t.Error("transient install layer was not removed")
	}

	events := run.mountEvents()
	mounts, umounts := 0, 0
	for _, ev := range events {
		if ev[0] == "mount" {
			mounts++
		} else {
			umounts++
		}
	}
	if mounts != umounts {
		t.Errorf("%d mounts vs %d unmounts", mounts, umounts)
	}
}

func TestInstallRejectsEmptyFileList(t *testing.T) {
	b, _ := testBuilder(t, &fakeRunner{t: t})
	if err := b.Install("sid", nil); err == nil {
		t.Fatal("install with no files succeeded")
	}
}
