// Package validate holds the syntax and safety checks shared by the
// Compliance Evaluator (C6, classifying "invalid" issues) and the
// Deployment Engine's validate step (C8).
package validate

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// YAMLSyntax reports a non-nil error if content is not well-formed YAML.
func YAMLSyntax(content []byte) error {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return errs.Wrap(errs.KindValidation, "invalid YAML syntax", err)
	}
	return nil
}

// PathTraversal rejects paths containing ".." segments, repeated "/", or a
// leading "/" (which would escape a relative root), matching the RemoteFS
// and deployment file-set safety contract.
func PathTraversal(path string) error {
	if path == "" {
		return errs.New(errs.KindValidation, "path must not be empty")
	}
	if strings.HasPrefix(path, "/") {
		return errs.New(errs.KindPolicyViolation, "absolute paths are not allowed")
	}
	if strings.Contains(path, "//") {
		return errs.New(errs.KindPolicyViolation, "path contains repeated separators")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return errs.New(errs.KindPolicyViolation, "path contains a traversal segment")
		}
	}
	return nil
}

// MaxContentSize rejects content larger than maxBytes.
func MaxContentSize(content []byte, maxBytes int64) error {
	if int64(len(content)) > maxBytes {
		return errs.New(errs.KindPayloadTooLarge, "content exceeds maximum size")
	}
	return nil
}

// AllowedPlatform reports whether platform is present in the whitelist.
func AllowedPlatform(platform string, whitelist []string) bool {
	for _, p := range whitelist {
		if p == platform {
			return true
		}
	}
	return false
}
