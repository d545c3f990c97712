// Package compliance implements the Compliance Evaluator (C6): scoring a
// repository against a declarative set of templates.
package compliance

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/store"
	"github.com/festion/homelab-gitops-auditor/internal/validate"
)

// FileState describes one file's observed state in a repository inventory.
type FileState struct {
	Path        string
	Exists      bool
	ContentHash string
	Version     string
	Content     []byte
}

// Inventory is the repository snapshot the evaluator scores against a set
// of templates: a file list plus enough per-file metadata to classify
// missing/outdated/modified/invalid issues.
type Inventory struct {
	Repository string
	Files      map[string]FileState // keyed by path
	Tags       []string

	// ExpectedHashes/ExpectedVersions let a template pin a file's content
	// or minimum version; absent entries skip that check.
	ExpectedHashes   map[string]string
	ExpectedVersions map[string]string
}

func (inv Inventory) file(path string) (FileState, bool) {
	f, ok := inv.Files[path]
	return f, ok
}

// Evaluate scores inv against templates, evaluated in the given order, and
// returns the resulting RepositoryCompliance. Issues are emitted in
// (severity desc, template asc, file asc) order for deterministic output.
func Evaluate(inv Inventory, templates []store.Template, now time.Time) store.RepositoryCompliance {
	var issues []store.ComplianceIssue
	var applied, missing []string

	for _, tmpl := range templates {
		tmplIssues := evaluateTemplate(inv, tmpl, now)
		issues = append(issues, tmplIssues...)

		if !hasMissingIssue(tmplIssues) {
			applied = append(applied, tmpl.Name)
		}
		if allRequiredFilesMissing(inv, tmpl) {
			missing = append(missing, tmpl.Name)
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
		}
		if issues[i].Template != issues[j].Template {
			return issues[i].Template < issues[j].Template
		}
		return issues[i].File < issues[j].File
	})

	score := Score(issues)
	return store.RepositoryCompliance{
		Repository:       inv.Repository,
		AppliedTemplates: applied,
		MissingTemplates: missing,
		Issues:           issues,
		Score:            score,
		Compliant:        score >= 80,
		EvaluatedAt:      now,
	}
}

func hasMissingIssue(issues []store.ComplianceIssue) bool {
	for _, iss := range issues {
		if iss.Type == store.IssueMissing {
			return true
		}
	}
	return false
}

// allRequiredFilesMissing reports whether none of tmpl's requiredFiles are
// present in the inventory at all.
func allRequiredFilesMissing(inv Inventory, tmpl store.Template) bool {
	if len(tmpl.RequiredFiles) == 0 {
		return false
	}
	for _, path := range tmpl.RequiredFiles {
		if f, ok := inv.file(path); ok && f.Exists {
			return false
		}
	}
	return true
}

func severityRank(s store.Severity) int {
	switch s {
	case store.SeverityHigh:
		return 2
	case store.SeverityMedium:
		return 1
	case store.SeverityLow:
		return 0
	default:
		return -1
	}
}

// Score computes the compliance score per the weighted-severity formula:
// score = max(0, round(100 - (sum(severityWeight)/len(issues))*100)).
// Zero issues always scores 100.
func Score(issues []store.ComplianceIssue) int {
	if len(issues) == 0 {
		return 100
	}

	var sum float64
	for _, iss := range issues {
		sum += iss.Severity.Weight()
	}
	raw := 100 - (sum/float64(len(issues)))*100
	rounded := math.Round(raw)
	if rounded < 0 {
		return 0
	}
	return int(rounded)
}

func evaluateTemplate(inv Inventory, tmpl store.Template, now time.Time) []store.ComplianceIssue {
	var issues []store.ComplianceIssue

	for _, path := range tmpl.RequiredFiles {
		issues = append(issues, evaluateRequiredFile(inv, tmpl, path, now)...)
	}
	for _, dir := range tmpl.RequiredDirectories {
		if !directoryPresent(inv, dir) {
			issues = append(issues, store.ComplianceIssue{
				Type:        store.IssueMissing,
				Severity:    store.SeverityMedium,
				Template:    tmpl.Name,
				File:        dir,
				Description: "required directory is missing",
				DetectedAt:  now,
			})
		}
	}
	return issues
}

func evaluateRequiredFile(inv Inventory, tmpl store.Template, path string, now time.Time) []store.ComplianceIssue {
	f, ok := inv.file(path)
	if !ok || !f.Exists {
		return []store.ComplianceIssue{{
			Type:           store.IssueMissing,
			Severity:       store.SeverityHigh,
			Template:       tmpl.Name,
			File:           path,
			Description:    "required file is missing",
			Recommendation: "apply the template to create " + path,
			DetectedAt:     now,
		}}
	}

	var issues []store.ComplianceIssue

	if wantVersion, ok := inv.ExpectedVersions[path]; ok && f.Version != "" && f.Version < wantVersion {
		issues = append(issues, store.ComplianceIssue{
			Type:           store.IssueOutdated,
			Severity:       store.SeverityMedium,
			Template:       tmpl.Name,
			File:           path,
			Description:    "file version " + f.Version + " is older than required " + wantVersion,
			Recommendation: "update " + path + " to version " + wantVersion,
			DetectedAt:     now,
		})
	}

	if wantHash, ok := inv.ExpectedHashes[path]; ok && f.ContentHash != "" && f.ContentHash != wantHash {
		issues = append(issues, store.ComplianceIssue{
			Type:           store.IssueModified,
			Severity:       store.SeverityMedium,
			Template:       tmpl.Name,
			File:           path,
			Description:    "file content does not match the template baseline",
			Recommendation: "re-apply " + path + " from the template",
			DetectedAt:     now,
		})
	}

	if isYAMLPath(path) && len(f.Content) > 0 {
		if err := validate.YAMLSyntax(f.Content); err != nil {
			issues = append(issues, store.ComplianceIssue{
				Type:           store.IssueInvalid,
				Severity:       store.SeverityHigh,
				Template:       tmpl.Name,
				File:           path,
				Description:    "invalid YAML: " + err.Error(),
				Recommendation: "fix the YAML syntax in " + path,
				DetectedAt:     now,
			})
		}
	}

	return issues
}

func directoryPresent(inv Inventory, dir string) bool {
	prefix := dir
	if len(prefix) > 0 && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	for path, f := range inv.Files {
		if f.Exists && len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func isYAMLPath(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
