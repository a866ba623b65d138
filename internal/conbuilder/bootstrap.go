package conbuilder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Bootstrap populates and refreshes L1 base systems via debootstrap.
type Bootstrap struct {
	run    Runner
	ui     *UI
	spawn  *Nspawn
	mirror string
}

func NewBootstrap(run Runner, ui *UI, spawn *Nspawn, mirror string) *Bootstrap {
	return &Bootstrap{run: run, ui: ui, spawn: spawn, mirror: mirror}
}

// Create runs debootstrap into dir and asserts the result is usable: the
// package manager executable and a core system directory must both exist.
func (b *Bootstrap) Create(codename, dir string) error {
	b.ui.Arrowf("Creating base system %s in %s", codename, dir)
	cmd := exec.Command("debootstrap", "--include=apt", "--force-check-gpg",
		codename, dir, b.mirror)
	if err := b.run.Run(cmd); err != nil {
		return err
	}

	if fi, err := os.Stat(filepath.Join(dir, mountSentinel)); err != nil || fi.IsDir() {
		return fmt.Errorf("base system %s is unusable: %s missing", dir, mountSentinel)
	}
	if fi, err := os.Stat(filepath.Join(dir, "etc")); err != nil || !fi.IsDir() {
		return fmt.Errorf("base system %s is unusable: /etc missing", dir)
	}
	return nil
}

// Update refreshes an existing L1 in place. Dependent L2 layers are NOT
// invalidated: cached resolutions may go stale against the refreshed base
// until their fingerprints naturally diverge on a later build.
func (b *Bootstrap) Update(dir string) error {
	b.ui.Arrowf("Updating %s", dir)
	if err := b.spawn.Run(NspawnOptions{Dir: dir},
		"/usr/bin/apt-get", "-y", "update"); err != nil {
		return err
	}
	return b.spawn.Run(NspawnOptions{
		Dir: dir,
		Env: map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}, "/usr/bin/apt-get", "-y", "dist-upgrade")
}
