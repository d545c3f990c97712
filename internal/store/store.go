package store

import (
	"context"
	"time"
)

// Store is the single point of contact with durable state. Every method maps
// to one query, except Cleanup and HealthCheck, which run a few in turn; SQL
// lives only in the postgres implementation.
type Store interface {
	// Deployments

	// InsertDeployment creates a new deployment in DeploymentQueued state.
	InsertDeployment(ctx context.Context, d *Deployment) error
	// GetDeployment returns a deployment by id.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	// ClaimDeployment atomically transitions a queued deployment to
	// in-progress and stamps startedAt and workerID. Returns (nil, false, nil)
	// if the row was not in queued state (already claimed, or cancelled).
	ClaimDeployment(ctx context.Context, id, workerID string, startedAt time.Time) (*Deployment, bool, error)
	// NextQueuedDeployment returns the highest-priority, oldest eligible
	// queued deployment whose (repository, branch) pair has no deployment
	// currently in-progress. Returns nil, nil if none is eligible.
	NextQueuedDeployment(ctx context.Context) (*Deployment, error)
	// UpdateDeploymentState transitions the deployment to a new state,
	// recording completedAt for terminal states. Fails with KindConflict if
	// the row is already terminal.
	UpdateDeploymentState(ctx context.Context, id string, state DeploymentState, completedAt *time.Time, errKind, errMessage string) error
	// SetDeploymentBackupRef records the backup snapshot reference.
	SetDeploymentBackupRef(ctx context.Context, id, backupRef string) error
	// IncrementDeploymentRetry bumps retryCount and returns the new value.
	IncrementDeploymentRetry(ctx context.Context, id string) (int, error)
	// RequestDeploymentCancel sets the cancel flag, checked between steps.
	RequestDeploymentCancel(ctx context.Context, id string) error
	// ListDeployments returns deployments matching the given filters, newest first.
	ListDeployments(ctx context.Context, f DeploymentFilter) ([]Deployment, error)
	// HasInProgressForBranch reports whether (repository, branch) already has
	// an in-progress deployment.
	HasInProgressForBranch(ctx context.Context, repository, branch string) (bool, error)

	// DeploymentLog / DeploymentFile

	AppendDeploymentLog(ctx context.Context, l *DeploymentLog) error
	ListDeploymentLogs(ctx context.Context, deploymentID string) ([]DeploymentLog, error)
	UpsertDeploymentFile(ctx context.Context, f *DeploymentFile) error
	ListDeploymentFiles(ctx context.Context, deploymentID string) ([]DeploymentFile, error)

	// Pipeline runs

	InsertPipelineRun(ctx context.Context, r *PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error)
	GetPipelineRunByHostRunID(ctx context.Context, repository, runID string) (*PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, r *PipelineRun) error
	ListPipelineRuns(ctx context.Context, f PipelineRunFilter) ([]PipelineRun, error)

	// Templates / compliance

	ListTemplates(ctx context.Context) ([]Template, error)
	GetTemplate(ctx context.Context, name string) (*Template, error)
	PutRepositoryCompliance(ctx context.Context, c *RepositoryCompliance) error
	GetRepositoryCompliance(ctx context.Context, repository string) (*RepositoryCompliance, error)
	ListRepositoryCompliance(ctx context.Context, minScore int) ([]RepositoryCompliance, error)

	// Metrics

	InsertMetricPoint(ctx context.Context, p *MetricPoint) error
	QueryMetricPoints(ctx context.Context, q MetricsQuery) ([]MetricPoint, error)
	PutAggregatedMetric(ctx context.Context, m *AggregatedMetric) error
	GetAggregatedMetric(ctx context.Context, kind, entity string, interval Interval, bucketStart time.Time) (*AggregatedMetric, error)
	ListActiveMetricSeries(ctx context.Context, since time.Time) ([]MetricSeries, error)

	// Auth

	InsertUser(ctx context.Context, u *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error
	InsertApiKey(ctx context.Context, k *ApiKey) error
	GetApiKeyByHash(ctx context.Context, hash string) (*ApiKey, error)
	UpdateApiKeyLastUsed(ctx context.Context, id string, at time.Time) error
	InsertSession(ctx context.Context, s *Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	CountActiveSessions(ctx context.Context, userID string) (int, error)
	ListActiveSessionsOldestFirst(ctx context.Context, userID string) ([]Session, error)
	RevokeSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error)

	// Audit

	AppendAuditEntry(ctx context.Context, e *AuditEntry) error
	ListAuditEntries(ctx context.Context, resource, resourceID string) ([]AuditEntry, error)

	// Notifications

	InsertNotificationDelivery(ctx context.Context, n *NotificationDelivery) error

	// Orchestrations

	InsertOrchestrationRun(ctx context.Context, o *OrchestrationRun) error
	GetOrchestrationRun(ctx context.Context, id string) (*OrchestrationRun, error)
	UpdateOrchestrationState(ctx context.Context, id string, state OrchestrationState, completedAt *time.Time, errMessage string) error

	// Webhook dedup mirror (Redis SETNX, when configured, is the fast path;
	// there is no in-process LRU; the store is the durable record consulted
	// on every non-duplicate delivery and after a process restart).
	RecordWebhookDelivery(ctx context.Context, w *WebhookDelivery) error
	HasWebhookDelivery(ctx context.Context, host, deliveryID string) (bool, error)

	// Retention and health

	Cleanup(ctx context.Context, olderThanDays int) (map[string]int, error)
	HealthCheck(ctx context.Context) (HealthSnapshot, error)
}

// DeploymentFilter narrows ListDeployments.
type DeploymentFilter struct {
	Repository string
	State      DeploymentState
	Limit      int
	Offset     int
}

// PipelineRunFilter narrows ListPipelineRuns.
type PipelineRunFilter struct {
	Repository string
	Limit      int
	Offset     int
}

// MetricsQuery filters a raw MetricPoint scan.
type MetricsQuery struct {
	Kind    string
	Entity  string
	From    time.Time
	To      time.Time
	Tags    map[string]string
	Limit   int
	Ascending bool
}

// HealthSnapshot is returned by HealthCheck.
type HealthSnapshot struct {
	Reachable        bool
	QueuedCount      int
	InProgressCount  int
	TerminalCount    int
}
