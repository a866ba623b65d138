package conbuilder

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records every external command and simulates the side effects
// of the collaborators (debootstrap, mount, umount, systemd-nspawn) inside a
// temp dir, so the lifecycle machinery can run without privileges.
type fakeRunner struct {
	t     *testing.T
	calls [][]string

	// depsOutput is returned for the simulated dependency resolution.
	depsOutput []string
	// failOn aborts any command whose argv contains this token.
	failOn string
	// artifacts are dropped into the workspace upper dir by the build tool.
	artifacts []string
	// noSentinel makes mount succeed without composing the filesystem.
	noSentinel bool
	// umountHook observes every unmount before the mount point is wiped.
	umountHook func(mnt string)
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	_, err := f.handle(cmd.Args)
	return err
}

func (f *fakeRunner) Capture(cmd *exec.Cmd) ([]string, error) {
	return f.handle(cmd.Args)
}

// contentForMount maps a fake overlay mount point to its upper dir.
func contentForMount(mnt string) string {
	return strings.Replace(mnt, "overlay_mount", "fs", 1)
}

func (f *fakeRunner) handle(args []string) ([]string, error) {
	f.calls = append(f.calls, args)
	if f.failOn != "" {
		for _, a := range args {
			if strings.Contains(a, f.failOn) {
				return nil, &CommandError{Command: strings.Join(args, " "), Stderr: "simulated failure", Err: os.ErrInvalid}
			}
		}
	}

	switch args[0] {
	case "debootstrap":
		dir := args[4]
		f.mkSentinel(dir)
		if err := os.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
			f.t.Fatal(err)
		}
	case "mount":
		if !f.noSentinel {
			f.mkSentinel(args[len(args)-1])
		}
	case "umount":
		mnt := args[1]
		if f.umountHook != nil {
			f.umountHook(mnt)
		}
		entries, err := os.ReadDir(mnt)
		if err != nil {
			f.t.Fatalf("umount of missing mount point %s", mnt)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(mnt, e.Name())); err != nil {
				f.t.Fatal(err)
			}
		}
	case "rm":
		return nil, os.RemoveAll(args[len(args)-1])
	case "systemd-nspawn":
		return f.handleNspawn(args)
	}
	return nil, nil
}

func (f *fakeRunner) handleNspawn(args []string) ([]string, error) {
	sep := -1
	for i, a := range args {
		if a == "--" {
			sep = i
			break
		}
	}
	if sep < 0 || sep == len(args)-1 {
		f.t.Fatalf("nspawn call without command: %v", args)
	}
	command := args[sep+1:]
	joined := strings.Join(command, " ")

	switch {
	case strings.Contains(joined, "build-dep -s"):
		return f.depsOutput, nil
	case strings.Contains(joined, "dpkg-buildpackage"):
		// artifacts land in the workspace upper dir through the overlay
		var dir string
		for i, a := range args {
			if a == "-D" {
				dir = contentForMount(args[i+1])
			}
		}
		for _, name := range f.artifacts {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
				f.t.Fatal(err)
			}
		}
		return []string{"dpkg-buildpackage: info: binary-only upload"}, nil
	}
	return nil, nil
}

func (f *fakeRunner) mkSentinel(dir string) {
	bin := filepath.Join(dir, "usr", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "apt"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		f.t.Fatal(err)
	}
}

// countCalls returns how many recorded commands contain every given token.
func (f *fakeRunner) countCalls(tokens ...string) int {
	n := 0
	for _, call := range f.calls {
		joined := strings.Join(call, " ")
		match := true
		for _, tok := range tokens {
			if !strings.Contains(joined, tok) {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

// mountEvents extracts the ordered mount/umount sequence as (op, mountpoint).
func (f *fakeRunner) mountEvents() [][2]string {
	var events [][2]string
	for _, call := range f.calls {
		switch call[0] {
		case "mount":
			events = append(events, [2]string{"mount", call[len(call)-1]})
		case "umount":
			events = append(events, [2]string{"umount", call[1]})
		}
	}
	return events
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		CacheDir:   filepath.Join(t.TempDir(), "cache"),
		ExportDir:  filepath.Join(t.TempDir(), "export"),
		Mirror:     "http://deb.debian.org/debian",
		MaxAgeDays: 30,
		MaxCount:   10,
	}
}

func testBuilder(t *testing.T, run *fakeRunner) (*Builder, *Config) {
	t.Helper()
	cfg := testConfig(t)
	return NewBuilder(cfg, &UI{}, run), cfg
}
