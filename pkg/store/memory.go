// Package store provides the storage backends of the authorization server:
// an in-process memory store, a valkey store shared between instances and a
// bbolt file directory for clients and resource sets.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
)

const (
	defaultCleanupInterval = time.Minute
	defaultCodeRetention   = 10 * time.Minute
	defaultSubmissionTTL   = time.Hour
)

// Memory keeps all state in process memory. Every operation runs under one
// lock, which makes code removal at-most-once and token insertion
// insert-if-absent.
type Memory struct {
	mu           sync.RWMutex
	clients      map[string]*oauth2server.Client
	codes        map[string]*oauth2server.AuthorizationCode
	tokens       map[string]*oauth2server.GrantedToken // id -> token
	byAccess     map[string]string                     // access token -> id
	byRefresh    map[string]string                     // refresh token -> id
	byComposite  map[string]string                     // composite key -> id
	resourceSets map[string]*uma.ResourceSet
	tickets      map[string]*uma.Ticket
	submissions  map[string]time.Time // ticket id -> expiry
	assertions   map[string]time.Time // client assertion id -> expiry

	codeRetention   time.Duration
	submissionTTL   time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	stopGC          chan struct{}
	stopOnce        sync.Once
}

type MemoryOption func(*Memory)

// WithCodeRetention sets how long unredeemed codes are kept.
func WithCodeRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.codeRetention = d
	}
}

func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = d
	}
}

func WithSubmissionTTL(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.submissionTTL = d
	}
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty store and starts a background goroutine that
// removes expired entries. Call Stop to end it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clients:         make(map[string]*oauth2server.Client),
		codes:           make(map[string]*oauth2server.AuthorizationCode),
		tokens:          make(map[string]*oauth2server.GrantedToken),
		byAccess:        make(map[string]string),
		byRefresh:       make(map[string]string),
		byComposite:     make(map[string]string),
		resourceSets:    make(map[string]*uma.ResourceSet),
		tickets:         make(map[string]*uma.Ticket),
		submissions:     make(map[string]time.Time),
		assertions:      make(map[string]time.Time),
		codeRetention:   defaultCodeRetention,
		submissionTTL:   defaultSubmissionTTL,
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
		stopGC:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.gcLoop()
	return m
}

func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stopGC) })
}

func (m *Memory) gcLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopGC:
			return
		}
	}
}

// Cleanup removes expired codes, tokens, tickets and used marks.
func (m *Memory) Cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, c := range m.codes {
		if now.After(c.CreatedAt.Add(m.codeRetention)) {
			delete(m.codes, k)
		}
	}
	for _, t := range m.tokens {
		if now.After(t.RetainUntil()) {
			m.removeTokenLocked(t)
		}
	}
	for k, t := range m.tickets {
		if t.Expired(now) {
			delete(m.tickets, k)
		}
	}
	for k, exp := range m.submissions {
		if now.After(exp) {
			delete(m.submissions, k)
		}
	}
	for k, exp := range m.assertions {
		if now.After(exp) {
			delete(m.assertions, k)
		}
	}
}

// Clients

func (m *Memory) PutClient(_ context.Context, client *oauth2server.Client) error {
	m.mu.Lock()
	m.clients[client.ID] = client
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetClient(ctx context.Context, id string) (*oauth2server.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, oauth2server.ErrNotFound
	}
	return c, nil
}

// Authorization codes

func (m *Memory) AddCode(ctx context.Context, code *oauth2server.AuthorizationCode) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.codes[code.Code]; exists {
		return false, nil
	}
	cp := *code
	m.codes[code.Code] = &cp
	return true, nil
}

func (m *Memory) GetCode(ctx context.Context, code string) (*oauth2server.AuthorizationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, oauth2server.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) RemoveCode(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[code]; !ok {
		return false, nil
	}
	delete(m.codes, code)
	return true, nil
}

// Granted tokens

func (m *Memory) GetToken(ctx context.Context, scopes []string, clientID string, idClaims, userClaims *claims.Set) (*oauth2server.GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := oauth2server.CompositeKey(scopes, clientID, idClaims, userClaims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(m.byComposite, key)
}

func (m *Memory) GetByAccessToken(ctx context.Context, value string) (*oauth2server.GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(m.byAccess, value)
}

func (m *Memory) GetByRefreshToken(ctx context.Context, value string) (*oauth2server.GrantedToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(m.byRefresh, value)
}

func (m *Memory) lookupLocked(index map[string]string, key string) (*oauth2server.GrantedToken, error) {
	id, ok := index[key]
	if !ok {
		return nil, oauth2server.ErrNotFound
	}
	t, ok := m.tokens[id]
	if !ok {
		return nil, oauth2server.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) AddToken(ctx context.Context, token *oauth2server.GrantedToken) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLocked(token) {
		return false, nil
	}
	m.insertLocked(token)
	return true, nil
}

func (m *Memory) ReplaceToken(ctx context.Context, old, replacement *oauth2server.GrantedToken) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tokens[old.ID]
	if !ok || m.conflictsLocked(replacement) {
		return false, nil
	}
	m.removeTokenLocked(current)
	m.insertLocked(replacement)
	return true, nil
}

func (m *Memory) RemoveByAccessToken(ctx context.Context, value string) (bool, error) {
	return m.removeBy(ctx, func() (string, bool) {
		id, ok := m.byAccess[value]
		return id, ok
	})
}

func (m *Memory) RemoveByRefreshToken(ctx context.Context, value string) (bool, error) {
	return m.removeBy(ctx, func() (string, bool) {
		id, ok := m.byRefresh[value]
		return id, ok
	})
}

func (m *Memory) RemoveToken(ctx context.Context, token *oauth2server.GrantedToken) (bool, error) {
	return m.removeBy(ctx, func() (string, bool) {
		return token.ID, true
	})
}

func (m *Memory) removeBy(ctx context.Context, resolve func() (string, bool)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := resolve()
	if !ok {
		return false, nil
	}
	t, ok := m.tokens[id]
	if !ok {
		return false, nil
	}
	m.removeTokenLocked(t)
	return true, nil
}

func (m *Memory) conflictsLocked(t *oauth2server.GrantedToken) bool {
	if _, ok := m.tokens[t.ID]; ok {
		return true
	}
	if _, ok := m.byAccess[t.AccessToken]; ok {
		return true
	}
	if t.RefreshToken != "" {
		if _, ok := m.byRefresh[t.RefreshToken]; ok {
			return true
		}
	}
	return false
}

func (m *Memory) insertLocked(t *oauth2server.GrantedToken) {
	cp := *t
	m.tokens[t.ID] = &cp
	m.byAccess[t.AccessToken] = t.ID
	if t.RefreshToken != "" {
		m.byRefresh[t.RefreshToken] = t.ID
	}
	m.byComposite[oauth2server.TokenCompositeKey(t)] = t.ID
}

func (m *Memory) removeTokenLocked(t *oauth2server.GrantedToken) {
	delete(m.tokens, t.ID)
	delete(m.byAccess, t.AccessToken)
	if t.RefreshToken != "" {
		delete(m.byRefresh, t.RefreshToken)
	}
	key := oauth2server.TokenCompositeKey(t)
	if m.byComposite[key] == t.ID {
		delete(m.byComposite, key)
	}
}

// Resource sets

func (m *Memory) PutResourceSet(_ context.Context, rs *uma.ResourceSet) error {
	m.mu.Lock()
	m.resourceSets[rs.ID] = rs
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteResourceSet(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.resourceSets, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetResourceSets(ctx context.Context, ids []string) ([]*uma.ResourceSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*uma.ResourceSet, 0, len(ids))
	for _, id := range ids {
		if rs, ok := m.resourceSets[id]; ok {
			out = append(out, rs)
		}
	}
	return out, nil
}

// Tickets

func (m *Memory) AddTicket(ctx context.Context, ticket *uma.Ticket) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[ticket.ID]; exists {
		return false, nil
	}
	cp := *ticket
	m.tickets[ticket.ID] = &cp
	return true, nil
}

func (m *Memory) GetTicket(ctx context.Context, id string) (*uma.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, uma.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) RemoveTicket(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[id]; !ok {
		return false, nil
	}
	delete(m.tickets, id)
	return true, nil
}

// AuthorizeTicket records resource owner consent for a ticket.
func (m *Memory) AuthorizeTicket(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return uma.ErrNotFound
	}
	cp := *t
	cp.IsAuthorizedByRO = true
	m.tickets[id] = &cp
	return nil
}

func (m *Memory) MarkSubmitted(ctx context.Context, ticketID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.submissions[ticketID]; ok && !now.After(exp) {
		return false, nil
	}
	m.submissions[ticketID] = now.Add(m.submissionTTL)
	return true, nil
}

func (m *Memory) MarkAssertionUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.assertions[id]; ok && !now.After(exp) {
		return false, nil
	}
	m.assertions[id] = expiresAt
	return true, nil
}
