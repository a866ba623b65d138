package conbuilder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// mountSentinel is the package-manager executable whose presence under a
// fresh mount point proves the union filesystem actually composed.
const mountSentinel = "usr/bin/apt"

// Mounter drives the external overlay mount facility. It supports arbitrary
// stacking; the lifecycle manager fixes the depth at three.
type Mounter struct {
	run Runner
	ui  *UI
}

func NewMounter(run Runner, ui *UI) *Mounter {
	return &Mounter{run: run, ui: ui}
}

// Mount composes lower+upper at mnt. The mount point must be empty; a mount
// that succeeds at the OS level but lacks the sentinel is rolled back and
// reported as a verification failure.
func (m *Mounter) Mount(lower, upper, work, mnt string) error {
	if entries, err := os.ReadDir(mnt); err == nil && len(entries) > 0 {
		return fmt.Errorf("mount point %s is not empty", mnt)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	cmd := exec.Command("mount", "-t", "overlay", "overlay", "-o", opts, mnt)
	if err := m.run.Run(cmd); err != nil {
		return err
	}

	sentinel := filepath.Join(mnt, mountSentinel)
	if fi, err := os.Stat(sentinel); err != nil || fi.IsDir() {
		// roll back so the failed mount does not leak
		if uerr := m.Unmount(mnt); uerr != nil {
			m.ui.Warnf("could not unmount %s after failed verification: %v", mnt, uerr)
		}
		return &MountVerificationError{MountPoint: mnt, Sentinel: sentinel}
	}
	m.ui.Debugf("mounted overlay at %s\n", mnt)
	return nil
}

// Unmount releases one mount point.
func (m *Mounter) Unmount(mnt string) error {
	return m.run.Run(exec.Command("umount", mnt))
}

// mountStack pairs every successful mount with exactly one unmount. Release
// unwinds in strict reverse order and runs on every exit path of the
// enclosing operation.
type mountStack struct {
	m      *Mounter
	points []string
}

func newMountStack(m *Mounter) *mountStack {
	return &mountStack{m: m}
}

// Mount pushes the mount point on success.
func (s *mountStack) Mount(lower, upper, work, mnt string) error {
	if err := s.m.Mount(lower, upper, work, mnt); err != nil {
		return err
	}
	s.points = append(s.points, mnt)
	return nil
}

// Release unmounts everything still held, innermost first. Idempotent.
func (s *mountStack) Release() error {
	var errs []string
	for i := len(s.points) - 1; i >= 0; i-- {
		if err := s.m.Unmount(s.points[i]); err != nil {
			errs = append(errs, fmt.Sprintf("umount %s: %v", s.points[i], err))
		}
	}
	s.points = nil
	if len(errs) > 0 {
		return fmt.Errorf("unmount errors:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}
