package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolvedDep represents a dependency that has been resolved to a local path.
type ResolvedDep struct {
	Name      string    // dependency name
	LocalPath string    // local filesystem path
	Manifest  *Manifest // the dependency's own manifest
}

// Resolver manages dependency resolution.
type Resolver struct {
	manifest *Manifest
}

// NewResolver creates a new dependency resolver.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{manifest: m}
}

// Resolve resolves all dependencies and returns them in load order
// (topologically sorted: dependencies before dependents). A dependency
// reached twice is loaded once; a cycle is an error.
func (r *Resolver) Resolve() ([]ResolvedDep, error) {
	var order []ResolvedDep
	done := make(map[string]bool)
	visiting := []string{r.manifest.Dir}
	if err := r.resolveAll(r.manifest, visiting, done, &order); err != nil {
		return nil, err
	}
	return order, nil
}

// resolveAll visits the dependencies of m in name order.
func (r *Resolver) resolveAll(m *Manifest, visiting []string, done map[string]bool, order *[]ResolvedDep) error {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rd, err := resolveOne(m, name, m.Dependencies[name])
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		for _, dir := range visiting {
			if dir == rd.LocalPath {
				return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(visiting, " -> "), rd.LocalPath)
			}
		}
		if done[rd.LocalPath] {
			continue
		}
		if err := r.resolveAll(rd.Manifest, append(visiting, rd.LocalPath), done, order); err != nil {
			return err
		}
		done[rd.LocalPath] = true
		*order = append(*order, *rd)
	}
	return nil
}

// resolveOne resolves a single local path dependency.
func resolveOne(m *Manifest, name string, dep Dependency) (*ResolvedDep, error) {
	if dep.Path == "" {
		return nil, fmt.Errorf("dependency %q has no path specified", name)
	}
	localPath, err := filepath.Abs(m.resolve(dep.Path))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", dep.Path, err)
	}
	if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("local dependency %q not found at %s: %w", name, localPath, err)
	}
	depManifest, err := Load(localPath)
	if err != nil {
		return nil, err
	}
	return &ResolvedDep{
		Name:      name,
		LocalPath: localPath,
		Manifest:  depManifest,
	}, nil
}

// LoadOrder returns every source file to load for the project: each
// dependency's files in dependency order, then the project's own. A
// dependency's entry is not run.
func (r *Resolver) LoadOrder() ([]string, error) {
	deps, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	var files []string
	for _, d := range deps {
		fs, err := d.Manifest.sourceFiles(false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		files = append(files, fs...)
	}
	own, err := r.manifest.SourceFiles()
	if err != nil {
		return nil, err
	}
	return append(files, own...), nil
}
