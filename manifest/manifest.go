// Package manifest handles kestrel.toml (or kestrel.yaml) project
// configuration.
package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileNames are the manifest names recognized in a project directory, in
// order of preference.
var FileNames = []string{"kestrel.toml", "kestrel.yaml", "kestrel.yml"}

// SourceExt is the extension of assembly source files.
const SourceExt = ".kasm"

// ErrNotFound is returned by Load when dir holds no manifest.
var ErrNotFound = errors.New("no kestrel manifest")

//go:embed schema.cue
var schemaSource string

// Manifest represents a kestrel project configuration.
type Manifest struct {
	Project      Project               `toml:"project" yaml:"project"`
	Source       Source                `toml:"source" yaml:"source"`
	Dependencies map[string]Dependency `toml:"dependencies" yaml:"dependencies"`
	VM           VMSection             `toml:"vm" yaml:"vm"`
	Heap         HeapSection           `toml:"heap" yaml:"heap"`
	Flags        map[string]any        `toml:"flags" yaml:"flags"`
	Spawn        SpawnSection          `toml:"spawn" yaml:"spawn"`
	Server       ServerSection         `toml:"server" yaml:"server"`
	Profile      ProfileSection        `toml:"profile" yaml:"profile"`
	Log          LogSection            `toml:"log" yaml:"log"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the manifest file itself.
	Path string `toml:"-" yaml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name" yaml:"name"`
	Version string `toml:"version" yaml:"version"`
}

// Source configures source file locations. Prelude is loaded first, then
// every assembly file under Dirs, then Entry.
type Source struct {
	Dirs    []string `toml:"dirs" yaml:"dirs"`
	Entry   string   `toml:"entry" yaml:"entry"`
	Prelude string   `toml:"prelude" yaml:"prelude"`
}

// Dependency is another kestrel project whose sources load before ours.
type Dependency struct {
	Path string `toml:"path" yaml:"path"`
}

type VMSection struct {
	StackSize      int  `toml:"stack-size" yaml:"stack-size"`
	MaxStackSize   int  `toml:"max-stack-size" yaml:"max-stack-size"`
	MaxRecursion   int  `toml:"max-recursion" yaml:"max-recursion"`
	ProfileOpcodes bool `toml:"profile-opcodes" yaml:"profile-opcodes"`
}

type HeapSection struct {
	Threshold int64 `toml:"threshold" yaml:"threshold"`
}

type SpawnSection struct {
	Timeout   string `toml:"timeout" yaml:"timeout"`
	HeapLimit int64  `toml:"heap-limit" yaml:"heap-limit"`
}

type ServerSection struct {
	Addr     string `toml:"addr" yaml:"addr"`
	GRPCAddr string `toml:"grpc-addr" yaml:"grpc-addr"`
}

type ProfileSection struct {
	Database string `toml:"database" yaml:"database"`
}

type LogSection struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Defaults
const (
	DefaultAddr     = "localhost:7070"
	DefaultGRPCAddr = "localhost:7071"
	DefaultDatabase = ".kestrel/profile.db"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load parses the manifest in the given directory.
func Load(dir string) (*Manifest, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// LoadFile parses one manifest file. The format follows the extension.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.Dir = filepath.Dir(m.Path)
	return m, nil
}

// Parse decodes and validates manifest text. ext selects the format:
// ".toml", ".yaml" or ".yml". Defaults are applied after validation.
func Parse(data []byte, ext string) (*Manifest, error) {
	var doc map[string]any
	var m Manifest
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		if err := validate(doc); err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		if err := validate(doc); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}
	m.applyDefaults()
	return &m, nil
}

// validate checks a decoded document against the embedded schema.
func validate(doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid manifest: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func (m *Manifest) applyDefaults() {
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.GRPCAddr == "" {
		m.Server.GRPCAddr = DefaultGRPCAddr
	}
	if m.Profile.Database == "" {
		m.Profile.Database = DefaultDatabase
	}
}

// FindAndLoad walks up from startDir to find a manifest, then loads and
// returns it. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return LoadFile(path)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, m.resolve(d))
	}
	return paths
}

// DatabasePath returns the absolute path of the profile database.
func (m *Manifest) DatabasePath() string {
	return m.resolve(m.Profile.Database)
}

// LogPath returns the absolute log file path, or nil to log to stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	p := m.resolve(m.Log.File)
	return &p
}

// SourceFiles lists this project's own sources in load order: the prelude,
// the assembly files under each source directory sorted by path, then the
// entry. Missing source directories are skipped.
func (m *Manifest) SourceFiles() ([]string, error) {
	return m.sourceFiles(true)
}

// sourceFiles lists sources; without withEntry the entry file is left out
// entirely, as for a dependency.
func (m *Manifest) sourceFiles(withEntry bool) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	if m.Source.Prelude != "" {
		add(m.resolve(m.Source.Prelude))
	}
	entry := m.resolve(m.Source.Entry)
	for _, dir := range m.SourceDirPaths() {
		var found []string
		err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == SourceExt && p != entry {
				found = append(found, p)
			}
			return nil
		})
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	if entry != "" && withEntry {
		add(entry)
	}
	return files, nil
}
