// Package memory implements auth.Store in process memory. It backs the API
// when no database is configured and the transport tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"condohub.io/internal/auth"
	"condohub.io/internal/ids"
)

// Store implements auth.Store with in-process concurrency safety.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[string]*auth.User
	emails      map[string]string
	grants      map[string]*auth.Grant
	pools       map[string]*auth.Pool
	members     map[string]map[string]time.Time // pool -> user -> added
	poolModules map[string][]string
	poolGrants  map[string]*auth.Grant
	modules     map[string]*auth.Module
	creds       map[string]*auth.RefreshCredential // token hash -> credential
	events      []auth.AuthEvent
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry comparisons.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		users:       make(map[string]*auth.User),
		emails:      make(map[string]string),
		grants:      make(map[string]*auth.Grant),
		pools:       make(map[string]*auth.Pool),
		members:     make(map[string]map[string]time.Time),
		poolModules: make(map[string][]string),
		poolGrants:  make(map[string]*auth.Grant),
		modules:     make(map[string]*auth.Module),
		creds:       make(map[string]*auth.RefreshCredential),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Users() auth.UserStore             { return userStore{s} }
func (s *Store) Grants() auth.GrantStore           { return grantStore{s} }
func (s *Store) Pools() auth.PoolStore             { return poolStore{s} }
func (s *Store) Catalog() auth.CatalogStore        { return catalogStore{s} }
func (s *Store) Credentials() auth.CredentialStore { return credentialStore{s} }
func (s *Store) Events() auth.AuthEventStore       { return eventStore{s} }

// AuthEvents returns a snapshot of every appended auth event.
func (s *Store) AuthEvents() []auth.AuthEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.AuthEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Credential returns a copy of the credential stored under hash.
func (s *Store) Credential(hash string) (auth.RefreshCredential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[hash]
	if !ok {
		return auth.RefreshCredential{}, false
	}
	return copyCredential(c), true
}

type userStore struct{ s *Store }

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if _, taken := s.emails[email]; taken {
		return auth.ErrConflict
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	now := s.now().UTC()
	user.Email = email
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	s.users[user.ID] = &cp
	s.emails[email] = user.ID
	return nil
}

func (u userStore) Find(ctx context.Context, id string) (auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return *user, nil
}

func (u userStore) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	id, ok := u.s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return *u.s.users[id], nil
}

func (u userStore) SetActive(ctx context.Context, id string, active bool) error {
	return u.update(id, func(user *auth.User) { user.IsActive = active })
}

func (u userStore) SetSuperAdmin(ctx context.Context, id string, superAdmin bool) error {
	return u.update(id, func(user *auth.User) { user.IsSuperAdmin = superAdmin })
}

func (u userStore) update(id string, fn func(*auth.User)) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(user)
	user.UpdatedAt = s.now().UTC()
	return nil
}

type grantStore struct{ s *Store }

func (g grantStore) Create(ctx context.Context, grant *auth.Grant) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[grant.UserID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range s.grants {
		if existing.UserID == grant.UserID && sameGrant(existing, grant) {
			return auth.ErrConflict
		}
	}
	if grant.ID == "" {
		grant.ID = ids.New()
	}
	grant.Source = auth.SourceDirect
	grant.CreatedAt = s.now().UTC()
	cp := *grant
	s.grants[grant.ID] = &cp
	return nil
}

func (g grantStore) Delete(ctx context.Context, userID, grantID string) error {
	s := g.s
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[grantID]
	if !ok || grant.UserID != userID {
		return auth.ErrNotFound
	}
	delete(s.grants, grantID)
	return nil
}

func (g grantStore) Find(ctx context.Context, userID, grantID string) (auth.Grant, error) {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	grant, ok := g.s.grants[grantID]
	if !ok || grant.UserID != userID {
		return auth.Grant{}, auth.ErrNotFound
	}
	return *grant, nil
}

func (g grantStore) ForUser(ctx context.Context, userID string) ([]auth.Grant, error) {
	return g.filter(func(gr *auth.Grant) bool { return gr.UserID == userID }), nil
}

func (g grantStore) ForUserCapability(ctx context.Context, userID string, key auth.CapabilityKey) ([]auth.Grant, error) {
	return g.filter(func(gr *auth.Grant) bool { return gr.UserID == userID && gr.Capability == key }), nil
}

func (g grantStore) filter(keep func(*auth.Grant) bool) []auth.Grant {
	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	out := []auth.Grant{}
	for _, gr := range g.s.grants {
		if keep(gr) {
			out = append(out, *gr)
		}
	}
	sortGrants(out)
	return out
}

type poolStore struct{ s *Store }

func (p poolStore) Create(ctx context.Context, pool *auth.Pool) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pools {
		if strings.EqualFold(existing.Name, pool.Name) {
			return auth.ErrConflict
		}
	}
	if pool.ID == "" {
		pool.ID = ids.New()
	}
	now := s.now().UTC()
	pool.CreatedAt, pool.UpdatedAt = now, now
	cp := *pool
	s.pools[pool.ID] = &cp
	return nil
}

func (p poolStore) Find(ctx context.Context, id string) (auth.Pool, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	pool, ok := p.s.pools[id]
	if !ok {
		return auth.Pool{}, auth.ErrNotFound
	}
	return *pool, nil
}

func (p poolStore) Update(ctx context.Context, pool *auth.Pool) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pools[pool.ID]
	if !ok {
		return auth.ErrNotFound
	}
	for id, other := range s.pools {
		if id != pool.ID && strings.EqualFold(other.Name, pool.Name) {
			return auth.ErrConflict
		}
	}
	existing.Name = pool.Name
	existing.Description = pool.Description
	existing.IsActive = pool.IsActive
	existing.UpdatedAt = s.now().UTC()
	*pool = *existing
	return nil
}

func (p poolStore) AddMember(ctx context.Context, poolID, userID string) (auth.PoolMember, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolID]; !ok {
		return auth.PoolMember{}, auth.ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return auth.PoolMember{}, auth.ErrNotFound
	}
	set := s.members[poolID]
	if set == nil {
		set = make(map[string]time.Time)
		s.members[poolID] = set
	}
	if _, dup := set[userID]; dup {
		return auth.PoolMember{}, auth.ErrConflict
	}
	now := s.now().UTC()
	set[userID] = now
	return auth.PoolMember{PoolID: poolID, UserID: userID, CreatedAt: now}, nil
}

func (p poolStore) RemoveMember(ctx context.Context, poolID, userID string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[poolID][userID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.members[poolID], userID)
	return nil
}

func (p poolStore) SetModules(ctx context.Context, poolID string, modules []string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolID]; !ok {
		return auth.ErrNotFound
	}
	for _, m := range modules {
		if _, ok := s.modules[m]; !ok {
			return auth.ErrNotFound
		}
	}
	s.poolModules[poolID] = append([]string(nil), modules...)
	return nil
}

func (p poolStore) CreateGrant(ctx context.Context, grant *auth.Grant) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[grant.PoolID]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range s.poolGrants {
		if existing.PoolID == grant.PoolID && sameGrant(existing, grant) {
			return auth.ErrConflict
		}
	}
	if grant.ID == "" {
		grant.ID = ids.New()
	}
	grant.Source = auth.SourcePool
	grant.CreatedAt = s.now().UTC()
	cp := *grant
	s.poolGrants[grant.ID] = &cp
	return nil
}

func (p poolStore) DeleteGrant(ctx context.Context, poolID, grantID string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.poolGrants[grantID]
	if !ok || grant.PoolID != poolID {
		return auth.ErrNotFound
	}
	delete(s.poolGrants, grantID)
	return nil
}

func (p poolStore) FindGrant(ctx context.Context, poolID, grantID string) (auth.Grant, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	grant, ok := p.s.poolGrants[grantID]
	if !ok || grant.PoolID != poolID {
		return auth.Grant{}, auth.ErrNotFound
	}
	return *grant, nil
}

func (p poolStore) GrantsForUser(ctx context.Context, userID string) ([]auth.PoolGrant, error) {
	return p.grantsFor(userID, func(*auth.Grant) bool { return true }), nil
}

func (p poolStore) GrantsForUserCapability(ctx context.Context, userID string, key auth.CapabilityKey) ([]auth.PoolGrant, error) {
	return p.grantsFor(userID, func(g *auth.Grant) bool { return g.Capability == key }), nil
}

func (p poolStore) grantsFor(userID string, keep func(*auth.Grant) bool) []auth.PoolGrant {
	s := p.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []auth.PoolGrant{}
	for _, g := range s.poolGrants {
		if _, member := s.members[g.PoolID][userID]; !member || !keep(g) {
			continue
		}
		out = append(out, auth.PoolGrant{Grant: *g, PoolActive: s.pools[g.PoolID].IsActive})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p poolStore) ModulesForUser(ctx context.Context, userID string) ([]auth.PoolModule, error) {
	s := p.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []auth.PoolModule{}
	for poolID, set := range s.members {
		if _, member := set[userID]; !member {
			continue
		}
		for _, m := range s.poolModules[poolID] {
			out = append(out, auth.PoolModule{PoolID: poolID, Module: m, PoolActive: s.pools[poolID].IsActive})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].Module < out[j].Module
	})
	return out, nil
}

type catalogStore struct{ s *Store }

func (c catalogStore) Ensure(ctx context.Context, modules []auth.Module) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range modules {
		cp := m
		cp.Capabilities = append([]auth.Capability(nil), m.Capabilities...)
		for i := range cp.Capabilities {
			cp.Capabilities[i].Module = m.Code
		}
		s.modules[m.Code] = &cp
	}
	return nil
}

func (c catalogStore) Modules(ctx context.Context) ([]auth.Module, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Module, 0, len(s.modules))
	for _, m := range s.modules {
		cp := *m
		cp.Capabilities = append([]auth.Capability(nil), m.Capabilities...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (c catalogStore) CapabilityExists(ctx context.Context, key auth.CapabilityKey) (bool, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[key.Module]
	if !ok {
		return false, nil
	}
	for _, capability := range m.Capabilities {
		if capability.Code == key.Action {
			return true, nil
		}
	}
	return false, nil
}

type credentialStore struct{ s *Store }

func (c credentialStore) Create(ctx context.Context, cred *auth.RefreshCredential) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.creds[cred.TokenHash]; dup {
		return auth.ErrConflict
	}
	if _, ok := s.users[cred.UserID]; !ok {
		return auth.ErrNotFound
	}
	if cred.ID == "" {
		cred.ID = ids.New()
	}
	cred.CreatedAt = s.now().UTC()
	cp := copyCredential(cred)
	s.creds[cred.TokenHash] = &cp
	return nil
}

func (c credentialStore) Consume(ctx context.Context, tokenHash string) (auth.RefreshCredential, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[tokenHash]
	now := s.now()
	if !ok || cred.RevokedAt != nil || !now.Before(cred.ExpiresAt) {
		return auth.RefreshCredential{}, auth.ErrNotFound
	}
	revoked := now.UTC()
	cred.RevokedAt = &revoked
	return copyCredential(cred), nil
}

func (c credentialStore) RevokeForUser(ctx context.Context, userID, tokenHash string) (int64, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[tokenHash]
	if !ok || cred.UserID != userID || cred.RevokedAt != nil {
		return 0, nil
	}
	revoked := s.now().UTC()
	cred.RevokedAt = &revoked
	return 1, nil
}

func (c credentialStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := s.now().UTC()
	var n int64
	for _, cred := range s.creds {
		if cred.UserID == userID && cred.RevokedAt == nil {
			at := revoked
			cred.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (c credentialStore) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	var n int64
	for hash, cred := range s.creds {
		if cred.ExpiresAt.Before(cutoff) {
			delete(s.creds, hash)
			n++
		}
	}
	return n, nil
}

type eventStore struct{ s *Store }

func (e eventStore) Append(ctx context.Context, ev auth.AuthEvent) error {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	s.events = append(s.events, ev)
	return nil
}

func sameGrant(a, b *auth.Grant) bool {
	return a.Capability == b.Capability && a.Scope == b.Scope && a.ScopeID == b.ScopeID
}

func sortGrants(gs []auth.Grant) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].ID < gs[j].ID })
}

func copyCredential(c *auth.RefreshCredential) auth.RefreshCredential {
	out := *c
	if c.RevokedAt != nil {
		at := *c.RevokedAt
		out.RevokedAt = &at
	}
	return out
}
