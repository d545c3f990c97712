package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

// Memory is an in-memory Store used by tests and by local/dev runs without a
// database. It preserves the same invariants as the postgres implementation
// (atomic claim, monotonic state, terminal immutability) using a mutex
// instead of SQL transactions.
type Memory struct {
	mu sync.Mutex

	deployments      map[string]*Deployment
	deploymentLogs   map[string][]DeploymentLog
	deploymentFiles  map[string]map[string]*DeploymentFile // deploymentID -> path -> file
	pipelineRuns     map[string]*PipelineRun
	templates        map[string]*Template
	compliance       map[string]*RepositoryCompliance
	metricPoints     []MetricPoint
	aggregates       map[string]*AggregatedMetric
	users            map[string]*User
	usersByName      map[string]string // username -> id
	apiKeys          map[string]*ApiKey
	sessions         map[string]*Session
	auditEntries     []AuditEntry
	notifications    []NotificationDelivery
	orchestrations   map[string]*OrchestrationRun
	webhookDeliveries map[string]bool // host|deliveryID
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		deployments:       make(map[string]*Deployment),
		deploymentLogs:    make(map[string][]DeploymentLog),
		deploymentFiles:   make(map[string]map[string]*DeploymentFile),
		pipelineRuns:      make(map[string]*PipelineRun),
		templates:         make(map[string]*Template),
		compliance:        make(map[string]*RepositoryCompliance),
		aggregates:        make(map[string]*AggregatedMetric),
		users:             make(map[string]*User),
		usersByName:       make(map[string]string),
		apiKeys:           make(map[string]*ApiKey),
		sessions:          make(map[string]*Session),
		orchestrations:    make(map[string]*OrchestrationRun),
		webhookDeliveries: make(map[string]bool),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func (m *Memory) InsertDeployment(_ context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deployments[d.ID]; exists {
		return errs.New(errs.KindConflict, "deployment already exists")
	}
	m.deployments[d.ID] = clone(d)
	return nil
}

func (m *Memory) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "deployment not found")
	}
	return clone(d), nil
}

func (m *Memory) ClaimDeployment(_ context.Context, id, workerID string, startedAt time.Time) (*Deployment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, false, errs.New(errs.KindNotFound, "deployment not found")
	}
	if d.State != DeploymentQueued {
		return nil, false, nil
	}
	d.State = DeploymentInProgress
	d.StartedAt = &startedAt
	d.WorkerID = workerID
	return clone(d), true, nil
}

func (m *Memory) NextQueuedDeployment(_ context.Context) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inProgressPairs := make(map[string]bool)
	for _, d := range m.deployments {
		if d.State == DeploymentInProgress {
			inProgressPairs[d.Repository+"|"+d.Branch] = true
		}
	}

	var candidates []*Deployment
	for _, d := range m.deployments {
		if d.State != DeploymentQueued {
			continue
		}
		if inProgressPairs[d.Repository+"|"+d.Branch] {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].RequestedAt.Before(candidates[j].RequestedAt)
	})
	return clone(candidates[0]), nil
}

func (m *Memory) UpdateDeploymentState(_ context.Context, id string, state DeploymentState, completedAt *time.Time, errKind, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return errs.New(errs.KindNotFound, "deployment not found")
	}
	if d.State.Terminal() {
		return errs.New(errs.KindConflict, "deployment is already terminal")
	}
	d.State = state
	if completedAt != nil {
		d.CompletedAt = completedAt
	}
	d.ErrorKind = errKind
	d.ErrorMessage = errMessage
	return nil
}

func (m *Memory) SetDeploymentBackupRef(_ context.Context, id, backupRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return errs.New(errs.KindNotFound, "deployment not found")
	}
	d.BackupRef = backupRef
	return nil
}

func (m *Memory) IncrementDeploymentRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return 0, errs.New(errs.KindNotFound, "deployment not found")
	}
	d.RetryCount++
	return d.RetryCount, nil
}

func (m *Memory) RequestDeploymentCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return errs.New(errs.KindNotFound, "deployment not found")
	}
	d.CancelRequested = true
	return nil
}

func (m *Memory) ListDeployments(_ context.Context, f DeploymentFilter) ([]Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deployment
	for _, d := range m.deployments {
		if f.Repository != "" && d.Repository != f.Repository {
			continue
		}
		if f.State != "" && d.State != f.State {
			continue
		}
		out = append(out, *clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return paginate(out, f.Offset, f.Limit), nil
}

func (m *Memory) HasInProgressForBranch(_ context.Context, repository, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.Repository == repository && d.Branch == branch && d.State == DeploymentInProgress {
			return true, nil
		}
	}
	return false, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func (m *Memory) AppendDeploymentLog(_ context.Context, l *DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deploymentLogs[l.DeploymentID] = append(m.deploymentLogs[l.DeploymentID], *clone(l))
	return nil
}

func (m *Memory) ListDeploymentLogs(_ context.Context, deploymentID string) ([]DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeploymentLog, len(m.deploymentLogs[deploymentID]))
	copy(out, m.deploymentLogs[deploymentID])
	return out, nil
}

func (m *Memory) UpsertDeploymentFile(_ context.Context, f *DeploymentFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPath, ok := m.deploymentFiles[f.DeploymentID]
	if !ok {
		byPath = make(map[string]*DeploymentFile)
		m.deploymentFiles[f.DeploymentID] = byPath
	}
	byPath[f.Path+"|"+string(f.Op)] = clone(f)
	return nil
}

func (m *Memory) ListDeploymentFiles(_ context.Context, deploymentID string) ([]DeploymentFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeploymentFile
	for _, f := range m.deploymentFiles[deploymentID] {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) InsertPipelineRun(_ context.Context, r *PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineRuns[r.ID] = clone(r)
	return nil
}

func (m *Memory) GetPipelineRun(_ context.Context, id string) (*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.pipelineRuns[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "pipeline run not found")
	}
	return clone(r), nil
}

func (m *Memory) GetPipelineRunByHostRunID(_ context.Context, repository, runID string) (*PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.pipelineRuns {
		if r.Repository == repository && r.RunID == runID {
			return clone(r), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "pipeline run not found")
}

func (m *Memory) UpdatePipelineRun(_ context.Context, r *PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelineRuns[r.ID]; !ok {
		return errs.New(errs.KindNotFound, "pipeline run not found")
	}
	m.pipelineRuns[r.ID] = clone(r)
	return nil
}

func (m *Memory) ListPipelineRuns(_ context.Context, f PipelineRunFilter) ([]PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PipelineRun
	for _, r := range m.pipelineRuns {
		if f.Repository != "" && r.Repository != f.Repository {
			continue
		}
		out = append(out, *clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].StartedAt, out[j].StartedAt
		if ai == nil || aj == nil {
			return ai != nil
		}
		return ai.After(*aj)
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func (m *Memory) ListTemplates(_ context.Context) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Template
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetTemplate(_ context.Context, name string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "template not found")
	}
	return clone(t), nil
}

// PutTemplate is a test/seed helper not part of the Store interface's
// read/write contract for production callers, who load templates from the
// migrated seed data.
func (m *Memory) PutTemplate(t *Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.Name] = clone(t)
}

func (m *Memory) PutRepositoryCompliance(_ context.Context, c *RepositoryCompliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compliance[c.Repository] = clone(c)
	return nil
}

func (m *Memory) GetRepositoryCompliance(_ context.Context, repository string) (*RepositoryCompliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compliance[repository]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "compliance record not found")
	}
	return clone(c), nil
}

func (m *Memory) ListRepositoryCompliance(_ context.Context, minScore int) ([]RepositoryCompliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RepositoryCompliance
	for _, c := range m.compliance {
		if c.Score < minScore {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out, nil
}

func (m *Memory) InsertMetricPoint(_ context.Context, p *MetricPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metricPoints = append(m.metricPoints, *p)
	return nil
}

func (m *Memory) QueryMetricPoints(_ context.Context, q MetricsQuery) ([]MetricPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricPoint
	for _, p := range m.metricPoints {
		if q.Kind != "" && p.Kind != q.Kind {
			continue
		}
		if q.Entity != "" && p.Entity != q.Entity {
			continue
		}
		if !q.From.IsZero() && p.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && p.Timestamp.After(q.To) {
			continue
		}
		if !tagsMatch(p.Tags, q.Tags) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Ascending {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) ListActiveMetricSeries(_ context.Context, since time.Time) ([]MetricSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[MetricSeries]bool)
	var out []MetricSeries
	for _, p := range m.metricPoints {
		if p.Timestamp.Before(since) {
			continue
		}
		s := MetricSeries{Kind: p.Kind, Entity: p.Entity}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func aggregateKey(kind, entity string, interval Interval, bucketStart time.Time) string {
	return kind + "|" + entity + "|" + string(interval) + "|" + bucketStart.UTC().Format(time.RFC3339)
}

func (m *Memory) PutAggregatedMetric(_ context.Context, a *AggregatedMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[aggregateKey(a.Kind, a.Entity, a.Interval, a.BucketStart)] = clone(a)
	return nil
}

func (m *Memory) GetAggregatedMetric(_ context.Context, kind, entity string, interval Interval, bucketStart time.Time) (*AggregatedMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aggregates[aggregateKey(kind, entity, interval, bucketStart)]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "aggregate not found")
	}
	return clone(a), nil
}

func (m *Memory) InsertUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.usersByName[u.Username]; exists {
		return errs.New(errs.KindConflict, "username already exists")
	}
	m.users[u.ID] = clone(u)
	m.usersByName[u.Username] = u.ID
	return nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usersByName[username]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "user not found")
	}
	return clone(m.users[id]), nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "user not found")
	}
	return clone(u), nil
}

func (m *Memory) UpdateUserLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return errs.New(errs.KindNotFound, "user not found")
	}
	u.LastLogin = &at
	return nil
}

func (m *Memory) InsertApiKey(_ context.Context, k *ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[k.ID] = clone(k)
	return nil
}

func (m *Memory) GetApiKeyByHash(_ context.Context, hash string) (*ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.Hash == hash {
			return clone(k), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "api key not found")
}

func (m *Memory) UpdateApiKeyLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return errs.New(errs.KindNotFound, "api key not found")
	}
	k.LastUsed = &at
	return nil
}

func (m *Memory) InsertSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *Memory) GetSessionByTokenHash(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash {
			return clone(s), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "session not found")
}

func (m *Memory) CountActiveSessions(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListActiveSessionsOldestFirst(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errs.New(errs.KindNotFound, "session not found")
	}
	s.Revoked = true
	return nil
}

func (m *Memory) DeleteExpiredSessions(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendAuditEntry(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditEntries = append(m.auditEntries, *e)
	return nil
}

func (m *Memory) ListAuditEntries(_ context.Context, resource, resourceID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for _, e := range m.auditEntries {
		if resource != "" && e.Resource != resource {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) InsertNotificationDelivery(_ context.Context, n *NotificationDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *Memory) InsertOrchestrationRun(_ context.Context, o *OrchestrationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orchestrations[o.ID] = clone(o)
	return nil
}

func (m *Memory) GetOrchestrationRun(_ context.Context, id string) (*OrchestrationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orchestrations[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "orchestration run not found")
	}
	return clone(o), nil
}

func (m *Memory) UpdateOrchestrationState(_ context.Context, id string, state OrchestrationState, completedAt *time.Time, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orchestrations[id]
	if !ok {
		return errs.New(errs.KindNotFound, "orchestration run not found")
	}
	o.State = state
	if completedAt != nil {
		o.CompletedAt = completedAt
	}
	o.ErrorMessage = errMessage
	return nil
}

func (m *Memory) RecordWebhookDelivery(_ context.Context, w *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookDeliveries[w.Host+"|"+w.DeliveryID] = true
	return nil
}

func (m *Memory) HasWebhookDelivery(_ context.Context, host, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookDeliveries[host+"|"+deliveryID], nil
}

func (m *Memory) Cleanup(_ context.Context, olderThanDays int) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	counts := map[string]int{"deployments": 0}
	for id, d := range m.deployments {
		if d.State.Terminal() && d.CompletedAt != nil && d.CompletedAt.Before(cutoff) {
			delete(m.deployments, id)
			delete(m.deploymentLogs, id)
			delete(m.deploymentFiles, id)
			counts["deployments"]++
		}
	}
	return counts, nil
}

func (m *Memory) HealthCheck(_ context.Context) (HealthSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snap HealthSnapshot
	snap.Reachable = true
	for _, d := range m.deployments {
		switch {
		case d.State == DeploymentQueued:
			snap.QueuedCount++
		case d.State == DeploymentInProgress:
			snap.InProgressCount++
		case d.State.Terminal():
			snap.TerminalCount++
		}
	}
	return snap, nil
}
