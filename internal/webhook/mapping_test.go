package webhook

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleMappingYAML = `
repository: acme/widgets
owner: acme
share: homelab
manifest:
  - path: config/app.yaml
    op: update
allowedBranches:
  - main
`

func TestLoadMappingParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.yaml")
	if err := os.WriteFile(path, []byte(sampleMappingYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	if m.Repository != "acme/widgets" {
		t.Fatalf("unexpected repository: %q", m.Repository)
	}
	if len(m.Manifest) != 1 || m.Manifest[0].Path != "config/app.yaml" {
		t.Fatalf("unexpected manifest: %+v", m.Manifest)
	}
}

func TestLoadMappingsSkipsNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "widgets.yaml"), []byte(sampleMappingYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mappings, err := LoadMappings(dir)
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
}

func TestLoadMappingRejectsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("repository: acme/widgets\nshare: homelab\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadMapping(path); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}
