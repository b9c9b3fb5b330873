package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/betracehq/betrace/internal/model"
)

// RuleSource is the out-of-scope rule-compilation/storage service. Invoked
// on cache miss and after Invalidate.
type RuleSource interface {
	LoadRules(ctx context.Context, tenantID string) ([]model.CompiledRule, error)
}

// SessionFactory builds a session from freshly loaded rules. The cache
// owns when to construct; the evaluator wiring owns how (which surface,
// signer, and limits the session gets).
type SessionFactory func(tenantID string, rules []model.CompiledRule) (*Session, error)

// sessionEntry tracks one cached session. refs counts in-flight checkouts so
// eviction never frees a session under an active evaluation; slot is a
// one-permit semaphore serializing evaluations for the tenant.
type sessionEntry struct {
	session     *Session
	slot        chan struct{}
	refs        int
	lastUsed    time.Time
	invalidated bool
}

// SessionCache is the bounded per-tenant cache of rule sessions.
//
// Concurrent misses for one tenant collapse to a single rule load via
// singleflight. A background sweep evicts sessions idle past the configured
// timeout; eviction of a checked-out session is deferred until release.
type SessionCache struct {
	source      RuleSource
	factory     SessionFactory
	logger      *slog.Logger
	maxSessions int
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*sessionEntry
	group   singleflight.Group

	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionCache creates a cache bounded to maxSessions tenants with
// idle-eviction after idleTimeout. A background sweep goroutine runs until
// Close.
func NewSessionCache(source RuleSource, factory SessionFactory, logger *slog.Logger, maxSessions int, idleTimeout time.Duration) *SessionCache {
	c := &SessionCache{
		source:      source,
		factory:     factory,
		logger:      logger,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		entries:     make(map[string]*sessionEntry),
		done:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Checkout returns the tenant's session with exclusive evaluation rights.
// The release function must be called when the evaluation finishes; it
// returns the permit and lets deferred eviction/invalidation proceed.
// Checkout blocks while another evaluation holds the tenant's permit, up to
// ctx's deadline.
func (c *SessionCache) Checkout(ctx context.Context, tenantID string) (*Session, func(), error) {
	entry, err := c.entry(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	// Serialize on the tenant's permit. Evaluations for different tenants
	// proceed fully in parallel.
	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		c.unref(tenantID, entry)
		return nil, nil, ctx.Err()
	}

	release := func() {
		<-entry.slot
		c.unref(tenantID, entry)
	}
	return entry.session, release, nil
}

// entry finds or constructs the tenant's cache entry with refs incremented.
func (c *SessionCache) entry(ctx context.Context, tenantID string) (*sessionEntry, error) {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok && !e.invalidated {
		e.refs++
		e.lastUsed = time.Now()
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	// Miss: collapse concurrent loads for the same tenant.
	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		rules, err := c.source.LoadRules(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("engine: load rules for tenant %s: %w", tenantID, err)
		}
		session, err := c.factory(tenantID, rules)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		// Another goroutine may have installed an entry between rounds.
		if e, ok := c.entries[tenantID]; ok && !e.invalidated {
			return e, nil
		}
		if len(c.entries) >= c.maxSessions && !c.evictIdleLocked() {
			return nil, ErrCacheFull
		}
		e := &sessionEntry{
			session:  session,
			slot:     make(chan struct{}, 1),
			lastUsed: time.Now(),
		}
		c.entries[tenantID] = e
		c.logger.Info("engine: session created", "tenant_id", tenantID, "rules", session.RuleCount())
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	e := v.(*sessionEntry)
	c.mu.Lock()
	e.refs++
	e.lastUsed = time.Now()
	c.mu.Unlock()
	return e, nil
}

func (c *SessionCache) unref(tenantID string, e *sessionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	e.lastUsed = time.Now()
	if e.invalidated && e.refs == 0 {
		if c.entries[tenantID] == e {
			delete(c.entries, tenantID)
		}
	}
}

// Invalidate drops the tenant's cached session. An in-flight evaluation
// completes on the old session; the next Checkout reloads rules.
func (c *SessionCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tenantID]
	if !ok {
		return
	}
	e.invalidated = true
	if e.refs == 0 {
		delete(c.entries, tenantID)
	}
	c.logger.Info("engine: session invalidated", "tenant_id", tenantID)
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *SessionCache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// evictIdleLocked removes the least recently used zero-ref entry.
// Caller holds c.mu. Returns false if every entry is in use.
func (c *SessionCache) evictIdleLocked() bool {
	var (
		victimID string
		victim   *sessionEntry
	)
	for id, e := range c.entries {
		if e.refs > 0 {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victimID, victim = id, e
		}
	}
	if victim == nil {
		return false
	}
	delete(c.entries, victimID)
	c.logger.Info("engine: session evicted for capacity", "tenant_id", victimID)
	return true
}

func (c *SessionCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *SessionCache) evictExpired() {
	cutoff := time.Now().Add(-c.idleTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(c.entries, id)
			c.logger.Info("engine: idle session evicted", "tenant_id", id)
		}
	}
}
