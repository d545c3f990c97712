package orchestration

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// LoadProfiles reads every *.yaml/*.yml file in dir as one OrchestrationProfile.
func LoadProfiles(dir string) ([]OrchestrationProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "reading profile directory", err)
	}

	var profiles []OrchestrationProfile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// LoadProfile reads one OrchestrationProfile from a YAML file.
func LoadProfile(path string) (OrchestrationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OrchestrationProfile{}, errs.Wrap(errs.KindInternal, "reading profile file", err)
	}
	var p OrchestrationProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return OrchestrationProfile{}, errs.Wrap(errs.KindValidation, "parsing profile YAML", err)
	}
	if err := Validate(p); err != nil {
		return OrchestrationProfile{}, err
	}
	return p, nil
}

// Validate checks structural invariants a malformed profile file could violate.
func Validate(p OrchestrationProfile) error {
	if p.Name == "" {
		return errs.New(errs.KindValidation, "profile must have a name")
	}
	if p.Selector.Mode == "" {
		return errs.New(errs.KindValidation, "profile must declare a selector mode").
			WithDetails(map[string]string{"profile": p.Name})
	}
	if len(p.Stages) == 0 {
		return errs.New(errs.KindValidation, "profile must declare at least one stage").
			WithDetails(map[string]string{"profile": p.Name})
	}
	if p.CriticalFailureThreshold < 0 || p.CriticalFailureThreshold > 1 {
		return errs.New(errs.KindValidation, "criticalFailureThreshold must be in [0,1]").
			WithDetails(map[string]string{"profile": p.Name})
	}
	for _, stage := range p.Stages {
		if len(stage.Actions) == 0 {
			return errs.New(errs.KindValidation, "stage must declare at least one action").
				WithDetails(map[string]string{"profile": p.Name, "stage": stage.Name})
		}
		ids := make(map[string]bool, len(stage.Actions))
		for _, a := range stage.Actions {
			if a.ID == "" {
				return errs.New(errs.KindValidation, "action must have an id").
					WithDetails(map[string]string{"profile": p.Name, "stage": stage.Name})
			}
			ids[a.ID] = true
		}
		if stage.Execution == ExecDependencyOrdered {
			for _, a := range stage.Actions {
				for _, dep := range a.DependsOn {
					if !ids[dep] {
						return errs.New(errs.KindValidation, "action depends on an unknown sibling action id").
							WithDetails(map[string]string{"profile": p.Name, "stage": stage.Name, "action": a.ID, "dependsOn": dep})
					}
				}
			}
		}
	}
	return nil
}
