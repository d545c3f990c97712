package auth

import (
	"testing"

	"github.com/festion/homelab-gitops-auditor/internal/store"
)

func TestCheckPermissionAdminWildcard(t *testing.T) {
	if !CheckPermission(store.RoleAdmin, ResourceDeployment, ActionRollback) {
		t.Fatalf("expected admin to be granted every permission")
	}
	if !CheckPermission(store.RoleAdmin, ResourceAudit, ActionRead) {
		t.Fatalf("expected admin to be granted every permission")
	}
}

func TestCheckPermissionOperator(t *testing.T) {
	cases := []struct {
		resource Resource
		action   Action
		want     bool
	}{
		{ResourceRepository, ActionRead, true},
		{ResourceRepository, ActionWrite, true},
		{ResourcePipeline, ActionTrigger, true},
		{ResourceDeployment, ActionRollback, true},
		{ResourceAudit, ActionRead, true},
		{ResourceAudit, ActionWrite, false},
		{ResourceOrchestration, ActionApply, false},
	}
	for _, c := range cases {
		if got := CheckPermission(store.RoleOperator, c.resource, c.action); got != c.want {
			t.Errorf("operator %s:%s = %v, want %v", c.resource, c.action, got, c.want)
		}
	}
}

func TestCheckPermissionViewerReadOnly(t *testing.T) {
	if !CheckPermission(store.RoleViewer, ResourceMetrics, ActionRead) {
		t.Fatalf("expected viewer to read metrics")
	}
	if CheckPermission(store.RoleViewer, ResourceDeployment, ActionTrigger) {
		t.Fatalf("expected viewer to be denied write-shaped actions")
	}
}

func TestCheckPermissionUnknownRoleDenied(t *testing.T) {
	if CheckPermission(store.Role("nonexistent"), ResourceMetrics, ActionRead) {
		t.Fatalf("expected unknown role to be denied (fail-closed)")
	}
}
