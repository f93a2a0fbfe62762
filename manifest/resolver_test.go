package manifest

import (
	"path/filepath"
	"strings"
	"testing"
)

// project lays out a kestrel project with one source file per name.
func project(t *testing.T, dir, toml string, sources ...string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "kestrel.toml"), toml)
	for _, s := range sources {
		writeFile(t, filepath.Join(dir, "src", s+".kasm"), "")
	}
}

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	root := t.TempDir()
	project(t, filepath.Join(root, "base"), "[project]\nname = \"base\"\n", "base")
	project(t, filepath.Join(root, "mid"), `
[dependencies]
base = { path = "../base" }
`, "mid")
	project(t, filepath.Join(root, "app"), `
[source]
entry = "src/main.kasm"

[dependencies]
mid = { path = "../mid" }
base = { path = "../base" }
`, "main", "util")

	m, err := Load(filepath.Join(root, "app"))
	if err != nil {
		t.Fatal(err)
	}
	deps, err := NewResolver(m).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var names []string
	for _, d := range deps {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, " "); got != "base mid" {
		t.Errorf("order = %q, want %q", got, "base mid")
	}

	files, err := NewResolver(m).LoadOrder()
	if err != nil {
		t.Fatalf("LoadOrder: %v", err)
	}
	var rel []string
	for _, f := range files {
		r, err := filepath.Rel(root, f)
		if err != nil {
			t.Fatal(err)
		}
		rel = append(rel, filepath.ToSlash(r))
	}
	want := "base/src/base.kasm mid/src/mid.kasm app/src/util.kasm app/src/main.kasm"
	if got := strings.Join(rel, " "); got != want {
		t.Errorf("LoadOrder() = %q, want %q", got, want)
	}
}

func TestDependencyEntryIsNotLoaded(t *testing.T) {
	root := t.TempDir()
	project(t, filepath.Join(root, "lib"), "[source]\nentry = \"src/demo.kasm\"\n", "lib", "demo")
	project(t, filepath.Join(root, "app"), "[dependencies]\nlib = { path = \"../lib\" }\n")

	m, err := Load(filepath.Join(root, "app"))
	if err != nil {
		t.Fatal(err)
	}
	files, err := NewResolver(m).LoadOrder()
	if err != nil {
		t.Fatalf("LoadOrder: %v", err)
	}
	for _, f := range files {
		if filepath.Base(f) == "demo.kasm" {
			t.Errorf("dependency entry %s was loaded", f)
		}
	}
	if len(files) != 1 || filepath.Base(files[0]) != "lib.kasm" {
		t.Errorf("LoadOrder() = %v, want [lib.kasm]", files)
	}
}

func TestResolveDetectsCycles(t *testing.T) {
	root := t.TempDir()
	project(t, filepath.Join(root, "a"), "[dependencies]\nb = { path = \"../b\" }\n")
	project(t, filepath.Join(root, "b"), "[dependencies]\na = { path = \"../a\" }\n")

	m, err := Load(filepath.Join(root, "a"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewResolver(m).Resolve()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want a dependency cycle", err)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	root := t.TempDir()
	project(t, filepath.Join(root, "app"), "[dependencies]\ngone = { path = \"../gone\" }\n")

	m, err := Load(filepath.Join(root, "app"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(m).Resolve(); err == nil {
		t.Error("expected an error for a missing dependency")
	}
}
