package conbuilder

import (
	"fmt"
	"os/exec"
	"sort"
)

// machineName identifies conbuilder containers to machinectl.
const machineName = "conbuilder"

// NspawnOptions selects the isolation applied to one container run.
type NspawnOptions struct {
	Dir              string            // container root directory
	ReadOnly         bool              // mount the root read-only
	BindSource       string            // host dir overlaid at /srv inside the container
	Env              map[string]string // extra environment, e.g. DEBIAN_FRONTEND
	DropCapability   string            // comma separated capability list
	SystemCallFilter string
	PrivateNetwork   bool
}

// Nspawn invokes commands inside a systemd-nspawn container through the
// privileged runner.
type Nspawn struct {
	run Runner
}

func NewNspawn(run Runner) *Nspawn {
	return &Nspawn{run: run}
}

// Command builds the systemd-nspawn invocation without running it.
func (n *Nspawn) Command(opts NspawnOptions, command ...string) *exec.Cmd {
	args := []string{"-M", machineName, "--chdir=/srv"}
	args = append(args, "-D", opts.Dir)
	if opts.ReadOnly {
		args = append(args, "--read-only")
	}
	if opts.BindSource != "" {
		args = append(args, fmt.Sprintf("--overlay=%s::/srv", opts.BindSource))
	}
	// deterministic argument order for the recording fakes
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-E", k+"="+opts.Env[k])
	}
	if opts.DropCapability != "" {
		args = append(args, "--drop-capability="+opts.DropCapability)
	}
	if opts.SystemCallFilter != "" {
		args = append(args, "--system-call-filter="+opts.SystemCallFilter)
	}
	if opts.PrivateNetwork {
		args = append(args, "--private-network")
	}
	args = append(args, "--")
	args = append(args, command...)
	return exec.Command("systemd-nspawn", args...)
}

// Run executes the command inside the container, streaming output.
func (n *Nspawn) Run(opts NspawnOptions, command ...string) error {
	return n.run.Run(n.Command(opts, command...))
}

// Capture executes the command inside the container and returns its stdout.
func (n *Nspawn) Capture(opts NspawnOptions, command ...string) ([]string, error) {
	return n.run.Capture(n.Command(opts, command...))
}
