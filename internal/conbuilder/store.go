package conbuilder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tier is the cache level a layer belongs to.
type Tier string

const (
	TierBase    Tier = "l1"  // base root filesystem, one per codename
	TierDeps    Tier = "l2"  // base plus one installed dependency set, keyed by fingerprint
	TierBuild   Tier = "l3"  // ephemeral build workspace
	TierInstall Tier = "l2i" // transient layer for package install runs
)

// LayerState tracks a layer through its lifecycle.
type LayerState string

const (
	StateAbsent   LayerState = "absent"
	StateCreating LayerState = "creating"
	StateReady    LayerState = "ready"
	StateMounted  LayerState = "mounted"
	StateStale    LayerState = "stale"
)

// LayerPaths are the three directories backing a layer. Work is only ever
// touched by the mount facility.
type LayerPaths struct {
	Content string // persisted upper dir
	Work    string // overlayfs scratch dir
	Mount   string // mount point
}

// Layer is one filesystem snapshot in the cache.
type Layer struct {
	Tier  Tier
	ID    string
	Paths LayerPaths
	State LayerState
}

// LayerInfo describes a persisted layer for listing and eviction.
type LayerInfo struct {
	Tier Tier
	ID   string
	Age  time.Duration
	Deps DependencySet
}

// manifestName is the dependency manifest kept inside an L2 content dir.
const manifestName = ".deps.conbuilder"

// Store computes and materializes the on-disk layout under the cache root:
// cacheRoot/<tier>/{fs,overlay_work,overlay_mount}/<identifier>
type Store struct {
	root string
	run  Runner
}

func NewStore(root string, run Runner) *Store {
	return &Store{root: root, run: run}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// PathsFor is a pure function of its inputs; nothing is created.
func (s *Store) PathsFor(tier Tier, id string) LayerPaths {
	return LayerPaths{
		Content: filepath.Join(s.root, string(tier), "fs", id),
		Work:    filepath.Join(s.root, string(tier), "overlay_work", id),
		Mount:   filepath.Join(s.root, string(tier), "overlay_mount", id),
	}
}

// Exists reports whether the layer's content dir is persisted.
func (s *Store) Exists(tier Tier, id string) bool {
	_, err := os.Stat(s.PathsFor(tier, id).Content)
	return err == nil
}

// Create makes the three layer directories. Creating over an existing
// content dir is a conflict; for L1 this guard is what prevents silently
// re-bootstrapping an existing base system.
func (s *Store) Create(tier Tier, id string) (Layer, error) {
	paths := s.PathsFor(tier, id)
	if _, err := os.Stat(paths.Content); err == nil {
		return Layer{}, &LayerConflictError{Tier: tier, ID: id, Path: paths.Content}
	}
	for _, dir := range []string{paths.Content, paths.Work, paths.Mount} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layer{}, fmt.Errorf("creating layer dir %s: %w", dir, err)
		}
	}
	return Layer{Tier: tier, ID: id, Paths: paths, State: StateCreating}, nil
}

// Open returns the layer if persisted, in ready state.
func (s *Store) Open(tier Tier, id string) (Layer, bool) {
	if !s.Exists(tier, id) {
		return Layer{}, false
	}
	return Layer{Tier: tier, ID: id, Paths: s.PathsFor(tier, id), State: StateReady}, true
}

// WriteManifest persists the dependency list inside the content dir, one
// name:version token per line. Written once at layer creation.
func (s *Store) WriteManifest(contentDir string, deps DependencySet) error {
	path := filepath.Join(contentDir, manifestName)
	return os.WriteFile(path, []byte(deps.Canonical()+"\n"), 0o644)
}

// ReadManifest loads the dependency list back for display and audit.
func (s *Store) ReadManifest(contentDir string) (DependencySet, error) {
	data, err := os.ReadFile(filepath.Join(contentDir, manifestName))
	if err != nil {
		return nil, err
	}
	var deps DependencySet
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		name, version, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ParseError{Line: line, Reason: "manifest token is not name:version"}
		}
		deps = append(deps, Dependency{Name: name, Version: version})
	}
	return deps, nil
}

// List enumerates persisted layers of a tier, oldest first. Age comes from
// the manifest timestamp when present, the content dir otherwise.
func (s *Store) List(tier Tier) ([]LayerInfo, error) {
	fsDir := filepath.Join(s.root, string(tier), "fs")
	entries, err := os.ReadDir(fsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var infos []LayerInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		contentDir := filepath.Join(fsDir, entry.Name())
		stamp := contentDir
		if _, err := os.Stat(filepath.Join(contentDir, manifestName)); err == nil {
			stamp = filepath.Join(contentDir, manifestName)
		}
		fi, err := os.Stat(stamp)
		if err != nil {
			continue
		}
		info := LayerInfo{Tier: tier, ID: entry.Name(), Age: now.Sub(fi.ModTime())}
		if deps, err := s.ReadManifest(contentDir); err == nil {
			info.Deps = deps
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Age > infos[j].Age })
	return infos, nil
}

// Remove deletes all three directories of a layer. Layer contents are
// root-owned, so removal goes through the privileged runner.
func (s *Store) Remove(tier Tier, id string) error {
	paths := s.PathsFor(tier, id)
	for _, dir := range []string{paths.Mount, paths.Work, paths.Content} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := s.run.Run(exec.Command("rm", "-rf", dir)); err != nil {
			return fmt.Errorf("removing layer %s/%s: %w", tier, id, err)
		}
	}
	return nil
}
