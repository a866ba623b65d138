package conbuilder

import (
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// Install copies the given .deb files into a transient layer derived from
// the codename's base system, installs them together with their dependencies
// via the package tool and tears the layer down again. The package tool's
// exit status is the result.
func (b *Builder) Install(codename string, debFiles []string) (err error) {
	if len(debFiles) == 0 {
		return fmt.Errorf("install needs at least one .deb file")
	}

	lock, err := AcquireLayerLock(b.cfg.CacheDir, TierBase, codename)
	if err != nil {
		return err
	}
	defer lock.Release()

	l1, ok := b.store.Open(TierBase, codename)
	if !ok {
		if l1, err = b.store.Create(TierBase, codename); err != nil {
			return err
		}
		if err = b.boot.Create(codename, l1.Paths.Content); err != nil {
			return err
		}
	}

	id := installSlotID(debFiles)
	slotLock, err := AcquireLayerLock(b.cfg.CacheDir, TierInstall, id)
	if err != nil {
		return err
	}
	defer slotLock.Release()

	b.ui.Arrowf("[L2i] Creating %s", id)
	layer, err := b.store.Create(TierInstall, id)
	if err != nil {
		return err
	}
	// the slot is transient, remove it whatever happens
	defer func() {
		if rerr := b.store.Remove(TierInstall, id); rerr != nil && err == nil {
			err = rerr
		}
	}()

	stack := newMountStack(b.mounts)
	defer func() {
		if rerr := stack.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := stack.Mount(l1.Paths.Content, layer.Paths.Content, layer.Paths.Work, layer.Paths.Mount); err != nil {
		return err
	}
	b.ui.Arrowf("[L2i] Ready")

	var targets []string
	for _, deb := range debFiles {
		dest := filepath.Join(layer.Paths.Mount, "srv")
		if err := b.run.Run(exec.Command("cp", "-a", deb, dest)); err != nil {
			return err
		}
		targets = append(targets, "/srv/"+filepath.Base(deb))
	}

	command := append([]string{"/usr/bin/apt", "install", "-y"}, targets...)
	return b.spawn.Run(NspawnOptions{
		Dir: layer.Paths.Mount,
		Env: map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}, command...)
}

// installSlotID keys the transient layer by the installed file names so two
// concurrent installs of different packages do not collide.
func installSlotID(debFiles []string) string {
	names := make([]string, len(debFiles))
	for i, f := range debFiles {
		names[i] = filepath.Base(f)
	}
	sort.Strings(names)
	h := blake3.New(32, nil)
	h.Write([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
