package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowagent/internal/model"
	"flowagent/internal/store"
	"flowagent/pkg/logger"
)

type cachedOrg struct {
	snapshot  model.OrgSnapshot
	expiresAt time.Time
}

// orgCache keeps org snapshots for ttl. Failed loads are never cached.
type orgCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedOrg
}

func newOrgCache(ttl time.Duration, now func() time.Time) *orgCache {
	return &orgCache{ttl: ttl, now: now, entries: make(map[string]cachedOrg)}
}

func (c *orgCache) get(orgID string) (model.OrgSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[orgID]
	if !ok {
		return model.OrgSnapshot{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, orgID)
		return model.OrgSnapshot{}, false
	}
	return e.snapshot, true
}

func (c *orgCache) put(snap model.OrgSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[snap.ID] = cachedOrg{snapshot: snap, expiresAt: c.now().Add(c.ttl)}
}

func (c *orgCache) invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if orgID == "" {
		c.entries = make(map[string]cachedOrg)
		return
	}
	delete(c.entries, orgID)
}

// InvalidateOrg drops a cached snapshot; an empty id drops them all.
func (a *Agent) InvalidateOrg(orgID string) {
	a.cache.invalidate(orgID)
}

func (a *Agent) orgID(in model.AgentInput) string {
	if in.OrgID != "" {
		return in.OrgID
	}
	return a.cfg.OrgID
}

// loadOrg returns the cached snapshot or reads the store. A store failure degrades to an empty
// snapshot instead of failing the pipeline.
func (a *Agent) loadOrg(ctx context.Context, orgID string) model.OrgSnapshot {
	if snap, ok := a.cache.get(orgID); ok {
		return snap
	}
	if a.orgs == nil {
		return model.EmptyOrg(orgID)
	}

	snap, err := a.orgs.GetOrg(ctx, orgID)
	if err != nil {
		log := logger.WithTrace(ctx, a.logger)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("Org not found, using empty context", zap.String("org_id", orgID))
		} else {
			log.Warn("Failed to load org context, degrading to empty snapshot",
				zap.String("org_id", orgID),
				zap.Error(err),
			)
		}
		return model.EmptyOrg(orgID)
	}
	a.cache.put(*snap)
	return *snap
}

// BuildContext assembles everything the decision step needs for one input.
func (a *Agent) BuildContext(ctx context.Context, in model.AgentInput) model.DecisionContext {
	orgID := a.orgID(in)
	in.OrgID = orgID
	return model.DecisionContext{
		Input:             in,
		Org:               a.loadOrg(ctx, orgID),
		History:           a.recentDecisions(orgID, a.cfg.PromptHistory),
		AvailableActions:  append([]string(nil), a.cfg.AvailableActions...),
		DecisionTimestamp: a.now(),
		SessionID:         a.sessionID,
	}
}
