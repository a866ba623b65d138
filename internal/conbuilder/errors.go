package conbuilder

import (
	"fmt"
	"strings"
)

// CommandError reports an external collaborator (debootstrap, systemd-nspawn,
// mount, apt-get, dpkg-buildpackage) exiting non-zero. Stderr carries the
// captured diagnostic text.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ParseError reports malformed output from the simulated dependency
// resolution.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse dependency line %q: %s", e.Line, e.Reason)
}

// LayerConflictError reports an attempt to create a layer over an existing
// one. For L1 this guard prevents re-bootstrapping over a base system.
type LayerConflictError struct {
	Tier Tier
	ID   string
	Path string
}

func (e *LayerConflictError) Error() string {
	return fmt.Sprintf("layer %s/%s already exists at %s", e.Tier, e.ID, e.Path)
}

// MountVerificationError reports a mount call that succeeded at the OS level
// but whose mount point does not contain the package-manager sentinel.
type MountVerificationError struct {
	MountPoint string
	Sentinel   string
}

func (e *MountVerificationError) Error() string {
	return fmt.Sprintf("overlay mounted at %s but sentinel %s is missing", e.MountPoint, e.Sentinel)
}

// ConfigError reports an invalid cache directory or missing required setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Key, e.Reason)
}
