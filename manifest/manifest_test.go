package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/kestrel/vm"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kestrel.toml"), `
[project]
name = "test-app"
version = "0.1.0"

[source]
dirs = ["src", "lib"]
entry = "main.kasm"
prelude = "boot/prelude.kasm"

[dependencies]
helper = { path = "../helper" }

[vm]
stack-size = 8192
max-stack-size = 65536
profile-opcodes = true

[heap]
threshold = 1048576

[spawn]
timeout = "250ms"
heap-limit = 4096

[server]
addr = ":9000"

[log]
verbosity = 1
file = "kestrel.log"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if len(m.Source.Dirs) != 2 {
		t.Errorf("source dirs count = %d, want 2", len(m.Source.Dirs))
	}
	if m.Source.Entry != "main.kasm" {
		t.Errorf("source entry = %q, want main.kasm", m.Source.Entry)
	}
	if dep, ok := m.Dependencies["helper"]; !ok || dep.Path != "../helper" {
		t.Errorf("helper dep = %v, want path ../helper", m.Dependencies["helper"])
	}
	if m.VM.StackSize != 8192 || !m.VM.ProfileOpcodes {
		t.Errorf("vm = %+v", m.VM)
	}
	if m.Heap.Threshold != 1048576 {
		t.Errorf("heap threshold = %d, want 1048576", m.Heap.Threshold)
	}
	if m.Server.Addr != ":9000" {
		t.Errorf("server addr = %q, want :9000", m.Server.Addr)
	}
	if m.Server.GRPCAddr != DefaultGRPCAddr {
		t.Errorf("grpc addr = %q, want default %q", m.Server.GRPCAddr, DefaultGRPCAddr)
	}
	if m.Log.Verbosity != 1 {
		t.Errorf("log verbosity = %d, want 1", m.Log.Verbosity)
	}
	if p := m.LogPath(); p == nil || *p != filepath.Join(m.Dir, "kestrel.log") {
		t.Errorf("LogPath() = %v", p)
	}
	if m.Path != filepath.Join(m.Dir, "kestrel.toml") {
		t.Errorf("Path = %q", m.Path)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kestrel.toml"), `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default source dirs = %v, want [src]", m.Source.Dirs)
	}
	if m.Server.Addr != DefaultAddr {
		t.Errorf("default addr = %q, want %q", m.Server.Addr, DefaultAddr)
	}
	if got, want := m.DatabasePath(), filepath.Join(m.Dir, DefaultDatabase); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if m.LogPath() != nil {
		t.Errorf("LogPath() = %q, want nil", *m.LogPath())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kestrel.yaml"), `
project:
  name: yaml-app
vm:
  stack-size: 2048
flags:
  backtrace: 4
  mutable-literals: true
spawn:
  timeout: 2s
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Name != "yaml-app" {
		t.Errorf("project name = %q, want yaml-app", m.Project.Name)
	}
	if m.VM.StackSize != 2048 {
		t.Errorf("stack-size = %d, want 2048", m.VM.StackSize)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatalf("VMConfig: %v", err)
	}
	if v, _ := cfg.Flags.Get("backtrace"); v != vm.Fixnum(4) {
		t.Errorf("backtrace flag = %v, want 4", v)
	}
	if v, _ := cfg.Flags.Get("mutable-literals"); v != vm.True {
		t.Errorf("mutable-literals flag = %v, want #t", v)
	}
	if cfg.SpawnTimeout != 2*time.Second {
		t.Errorf("SpawnTimeout = %v, want 2s", cfg.SpawnTimeout)
	}
}

func TestTOMLPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kestrel.toml"), "[project]\nname = \"from-toml\"\n")
	writeFile(t, filepath.Join(dir, "kestrel.yaml"), "project:\n  name: from-yaml\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Project.Name != "from-toml" {
		t.Errorf("project name = %q, want from-toml", m.Project.Name)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Schema validation
// ---------------------------------------------------------------------------

func TestSchemaRejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		text string
	}{
		{"unknown table", ".toml", "[image]\noutput = \"x\"\n"},
		{"unknown key", ".toml", "[vm]\nstack = 10\n"},
		{"unknown flag", ".toml", "[flags]\nfast-mode = true\n"},
		{"flag wrong type", ".toml", "[flags]\nbacktrace = \"yes\"\n"},
		{"negative flag", ".toml", "[flags]\nbacktrace-line-length = -1\n"},
		{"bad duration", ".toml", "[spawn]\ntimeout = \"soon\"\n"},
		{"tiny stack", ".toml", "[vm]\nstack-size = 8\n"},
		{"dependency without path", ".toml", "[dependencies]\nhelper = {}\n"},
		{"yaml wrong type", ".yaml", "heap:\n  threshold: lots\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.text), tc.ext)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), "invalid manifest") {
				t.Errorf("err = %v, want an invalid manifest error", err)
			}
		})
	}
}

func TestParseRejectsUnknownFormat(t *testing.T) {
	if _, err := Parse([]byte("{}"), ".json"); err == nil {
		t.Error("expected an error for .json")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	m, err := Parse(nil, ".toml")
	if err != nil {
		t.Fatalf("Parse(empty): %v", err)
	}
	if m.Server.Addr != DefaultAddr {
		t.Errorf("defaults not applied: addr = %q", m.Server.Addr)
	}
}

// ---------------------------------------------------------------------------
// Finding
// ---------------------------------------------------------------------------

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "kestrel.toml"), "[project]\nname = \"found-project\"\n")

	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no kestrel.toml exists")
	}
}

// ---------------------------------------------------------------------------
// Paths and config
// ---------------------------------------------------------------------------

func TestSourceDirPaths(t *testing.T) {
	m := &Manifest{
		Dir: "/app",
		Source: Source{
			Dirs: []string{"src", "lib"},
		},
	}

	paths := m.SourceDirPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if paths[0] != "/app/src" {
		t.Errorf("paths[0] = %q, want /app/src", paths[0])
	}
	if paths[1] != "/app/lib" {
		t.Errorf("paths[1] = %q, want /app/lib", paths[1])
	}
}

func TestSourceFilesOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kestrel.toml"), `
[source]
prelude = "prelude.kasm"
entry = "src/main.kasm"
`)
	writeFile(t, filepath.Join(dir, "prelude.kasm"), "")
	writeFile(t, filepath.Join(dir, "src", "main.kasm"), "")
	writeFile(t, filepath.Join(dir, "src", "b.kasm"), "")
	writeFile(t, filepath.Join(dir, "src", "a", "z.kasm"), "")
	writeFile(t, filepath.Join(dir, "src", "notes.txt"), "")

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := m.SourceFiles()
	if err != nil {
		t.Fatalf("SourceFiles: %v", err)
	}
	want := []string{
		filepath.Join(m.Dir, "prelude.kasm"),
		filepath.Join(m.Dir, "src", "a", "z.kasm"),
		filepath.Join(m.Dir, "src", "b.kasm"),
		filepath.Join(m.Dir, "src", "main.kasm"),
	}
	if strings.Join(files, "\n") != strings.Join(want, "\n") {
		t.Errorf("SourceFiles() = %v, want %v", files, want)
	}
}

func TestVMConfigDefaults(t *testing.T) {
	m, err := Parse(nil, ".toml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatalf("VMConfig: %v", err)
	}
	def := vm.DefaultConfig()
	if cfg.StackSize != def.StackSize || cfg.MaxStackSize != def.MaxStackSize || cfg.MaxRecursion != def.MaxRecursion {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
	if cfg.Flags != def.Flags {
		t.Errorf("flags = %+v, want defaults", cfg.Flags)
	}
	if cfg.SpawnTimeout != 0 || cfg.SpawnHeapLimit != 0 {
		t.Errorf("spawn limits = %v %d, want unbounded", cfg.SpawnTimeout, cfg.SpawnHeapLimit)
	}
}

func TestVMConfigFromTOML(t *testing.T) {
	m, err := Parse([]byte(`
[vm]
stack-size = 1024
max-stack-size = 4096
max-recursion = 50

[flags]
backtrace = false
warning-level = 2

[spawn]
timeout = "1m30s"
heap-limit = 65536
`), ".toml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatalf("VMConfig: %v", err)
	}
	if cfg.StackSize != 1024 || cfg.MaxStackSize != 4096 || cfg.MaxRecursion != 50 {
		t.Errorf("sizes = %d %d %d", cfg.StackSize, cfg.MaxStackSize, cfg.MaxRecursion)
	}
	if cfg.Flags.Backtrace != vm.False {
		t.Errorf("backtrace = %v, want #f", cfg.Flags.Backtrace)
	}
	if cfg.Flags.WarningLevel != vm.Fixnum(2) {
		t.Errorf("warning-level = %v, want 2", cfg.Flags.WarningLevel)
	}
	if cfg.SpawnTimeout != 90*time.Second {
		t.Errorf("SpawnTimeout = %v, want 1m30s", cfg.SpawnTimeout)
	}
	if cfg.SpawnHeapLimit != 65536 {
		t.Errorf("SpawnHeapLimit = %d, want 65536", cfg.SpawnHeapLimit)
	}
}

func TestVMConfigRejectsFlagKindMismatch(t *testing.T) {
	// Manifests built in code skip the schema; Flags.Set still checks kinds.
	m := &Manifest{Flags: map[string]any{"mutable-literals": int64(1)}}
	if _, err := m.VMConfig(); err == nil {
		t.Error("expected an error for a fixnum boolean flag")
	}
}

func TestVMConfigRejectsInvertedStackSizes(t *testing.T) {
	m := &Manifest{VM: VMSection{StackSize: 4096, MaxStackSize: 1024}}
	if _, err := m.VMConfig(); err == nil {
		t.Error("expected an error when max-stack-size < stack-size")
	}
}
