package webhook

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/festion/homelab-gitops-auditor/internal/deployment"
	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// DeployMapping binds a repository to the deployment parameters a push or
// repository_dispatch event should enqueue, since the webhook payload itself
// carries no manifest. Loaded the same way OrchestrationProfile catalog
// entries are: one YAML file per entry under a directory.
type DeployMapping struct {
	Repository      string                     `yaml:"repository"`
	Owner           string                     `yaml:"owner"`
	Share           string                     `yaml:"share"`
	Manifest        []deployment.ManifestEntry `yaml:"manifest"`
	AllowedBranches []string                   `yaml:"allowedBranches,omitempty"`
}

// LoadMappings reads every *.yaml/*.yml file in dir into a DeployMapping.
func LoadMappings(dir string) ([]DeployMapping, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "reading deploy mapping directory", err)
	}
	var mappings []DeployMapping
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadMapping(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// LoadMapping reads and validates a single DeployMapping file.
func LoadMapping(path string) (DeployMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeployMapping{}, errs.Wrap(errs.KindInternal, "reading deploy mapping", err)
	}
	var m DeployMapping
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return DeployMapping{}, errs.Wrap(errs.KindValidation, "parsing deploy mapping", err)
	}
	if m.Repository == "" {
		return DeployMapping{}, errs.New(errs.KindValidation, "deploy mapping missing repository")
	}
	if m.Share == "" {
		return DeployMapping{}, errs.New(errs.KindValidation, "deploy mapping missing share")
	}
	if len(m.Manifest) == 0 {
		return DeployMapping{}, errs.New(errs.KindValidation, "deploy mapping has empty manifest")
	}
	return m, nil
}
