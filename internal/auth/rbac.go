package auth

import "github.com/festion/homelab-gitops-auditor/internal/store"

// Resource is one of the compile-time enumerated RBAC resources (C4).
type Resource string

// Action is one of the compile-time enumerated RBAC actions (C4).
type Action string

const (
	ResourceRepository    Resource = "repository"
	ResourcePipeline      Resource = "pipeline"
	ResourceTemplate      Resource = "template"
	ResourceMetrics       Resource = "metrics"
	ResourceWebhook       Resource = "webhook"
	ResourceDeployment    Resource = "deployment"
	ResourceOrchestration Resource = "orchestration"
	ResourceAudit         Resource = "audit"

	ActionWildcard Action = "*"
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionTrigger  Action = "trigger"
	ActionCancel   Action = "cancel"
	ActionApply    Action = "apply"
	ActionCreate   Action = "create"
	ActionRollback Action = "rollback"
)

// permission is a single (resource, action) grant. resource or action may be
// ActionWildcard's resource-level counterpart, "*", to match any value.
type permission struct {
	resource Resource
	action   Action
}

const resourceWildcard Resource = "*"

// rolePermissions is the compile-time role-to-permission table.
// Unlisted (resource, action) pairs are denied by default (fail-closed).
var rolePermissions = map[store.Role][]permission{
	store.RoleAdmin: {
		{resourceWildcard, ActionWildcard},
	},
	store.RoleOperator: {
		{ResourceRepository, ActionRead},
		{ResourceRepository, ActionWrite},
		{ResourcePipeline, ActionRead},
		{ResourcePipeline, ActionTrigger},
		{ResourcePipeline, ActionCancel},
		{ResourceTemplate, ActionRead},
		{ResourceTemplate, ActionApply},
		{ResourceTemplate, ActionCreate},
		{ResourceMetrics, ActionRead},
		{ResourceWebhook, ActionRead},
		{ResourceDeployment, ActionRead},
		{ResourceDeployment, ActionWrite},
		{ResourceDeployment, ActionTrigger},
		{ResourceDeployment, ActionCancel},
		{ResourceDeployment, ActionRollback},
		{ResourceOrchestration, ActionRead},
		{ResourceOrchestration, ActionTrigger},
		{ResourceAudit, ActionRead},
	},
	store.RoleViewer: {
		{ResourceRepository, ActionRead},
		{ResourcePipeline, ActionRead},
		{ResourceTemplate, ActionRead},
		{ResourceMetrics, ActionRead},
		{ResourceWebhook, ActionRead},
		{ResourceDeployment, ActionRead},
		{ResourceOrchestration, ActionRead},
		{ResourceAudit, ActionRead},
	},
}

// CheckPermission reports whether role grants (resource, action), either via
// an exact match or a wildcard on either axis. Unknown roles are always
// denied.
func CheckPermission(role store.Role, resource Resource, action Action) bool {
	grants, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, g := range grants {
		if (g.resource == resource || g.resource == resourceWildcard) &&
			(g.action == action || g.action == ActionWildcard) {
			return true
		}
	}
	return false
}
