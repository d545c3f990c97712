// Package orchestration implements the Orchestration Planner (C9): it
// expands a static OrchestrationProfile into a staged DAG of actions against
// a repository inventory and drives that DAG to completion, failure, or
// rollback.
package orchestration

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Duration unmarshals YAML duration strings ("30m", "1h") into a
// time.Duration, since yaml.v3 has no built-in notion of one. Adapted from
// the pack's own JSON equivalent (network.Duration).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errs.New(errs.KindValidation, "duration must be a scalar")
	}
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		d.Duration = parsed
		return nil
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	return errs.New(errs.KindValidation, "invalid duration: "+value.Value)
}

// SelectorMode chooses which repositories in the inventory an
// OrchestrationProfile applies to.
type SelectorMode string

const (
	SelectorAll       SelectorMode = "all"
	SelectorExplicit  SelectorMode = "explicit"
	SelectorPredicate SelectorMode = "predicate"
)

// Selector picks the repository set a profile run targets.
type Selector struct {
	Mode         SelectorMode `yaml:"mode"`
	Repositories []string     `yaml:"repositories,omitempty"`
	// Predicate is a small "key=value[,key=value...]" AND-joined expression
	// matched against a RepositoryAttributes.Attributes map. There is no
	// general expression grammar in the pack to borrow from, so this stays
	// deliberately minimal rather than growing a bespoke language.
	Predicate string `yaml:"predicate,omitempty"`
}

// RepositoryAttributes is one entry of the "current repository inventory"
// the planner selects against.
type RepositoryAttributes struct {
	Name       string
	Attributes map[string]string
}

// Matches reports whether repo satisfies the selector.
func (s Selector) Matches(repo RepositoryAttributes) bool {
	switch s.Mode {
	case SelectorAll:
		return true
	case SelectorExplicit:
		for _, name := range s.Repositories {
			if name == repo.Name {
				return true
			}
		}
		return false
	case SelectorPredicate:
		return matchPredicate(s.Predicate, repo.Attributes)
	default:
		return false
	}
}

func matchPredicate(predicate string, attrs map[string]string) bool {
	if predicate == "" {
		return false
	}
	for _, clause := range strings.Split(predicate, ",") {
		k, v, ok := strings.Cut(clause, "=")
		if !ok {
			return false
		}
		if attrs[strings.TrimSpace(k)] != strings.TrimSpace(v) {
			return false
		}
	}
	return true
}

// ExecutionMode is the within-stage scheduling discipline.
type ExecutionMode string

const (
	ExecParallel          ExecutionMode = "parallel"
	ExecSequential        ExecutionMode = "sequential"
	ExecDependencyOrdered ExecutionMode = "dependency-ordered"
)

// ActionKind is the downstream component an action dispatches to.
type ActionKind string

const (
	ActionDeployment ActionKind = "deployment"
	ActionPipeline   ActionKind = "pipeline"
)

// Action is one unit of work within a stage. DependsOn names sibling action
// IDs within the same stage; it is only consulted when the stage's
// execution mode is dependency-ordered.
type Action struct {
	ID        string            `yaml:"id"`
	Kind      ActionKind        `yaml:"kind"`
	DependsOn []string          `yaml:"dependsOn,omitempty"`
	Workflow  string            `yaml:"workflow,omitempty"`
	Manifest  []ManifestEntry   `yaml:"manifest,omitempty"`
	Share     string            `yaml:"share,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"`
}

// ManifestEntry mirrors internal/deployment.ManifestEntry without importing
// it, keeping the profile schema decoupled from the deployment package's
// internal parameter-encoding concerns.
type ManifestEntry struct {
	Path string `yaml:"path"`
	Op   string `yaml:"op"`
}

// Stage is one phase of a profile; stages run in declared order.
type Stage struct {
	Name      string        `yaml:"name"`
	Execution ExecutionMode `yaml:"execution"`
	Actions   []Action      `yaml:"actions"`
}

// RetryPolicy is parsed from a profile's retryPolicy block. The Planner does
// not read it: every action is dispatched once, with no retry.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	Backoff     Duration `yaml:"backoff"`
}

// OrchestrationProfile is the static catalog entry an operator triggers by
// name.
type OrchestrationProfile struct {
	Name                     string      `yaml:"name"`
	Selector                 Selector    `yaml:"selector"`
	Stages                   []Stage     `yaml:"stages"`
	Timeout                  Duration    `yaml:"timeout"`
	RetryPolicy              RetryPolicy `yaml:"retryPolicy"`
	RollbackOnFailure        bool        `yaml:"rollbackOnFailure"`
	CriticalFailureThreshold float64     `yaml:"criticalFailureThreshold"`
	Notifications            []string    `yaml:"notifications,omitempty"`
}
