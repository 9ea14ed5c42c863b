// Package memory is an in-process implementation of the repository stores.
// One mutex covers every table, so multi-table operations are atomic. It is
// meant for tests and single-process development servers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

var (
	_ repository.HostStore        = Hosts{}
	_ repository.TokenStore       = Tokens{}
	_ repository.SessionStore     = Sessions{}
	_ repository.FingerprintStore = Fingerprints{}
	_ repository.EventStore       = Events{}
)

// Store holds every table.
type Store struct {
	mu       sync.Mutex
	hosts    map[uuid.UUID]*domain.Host
	tokens   map[uuid.UUID]*domain.InitialToken
	sessions map[uuid.UUID]*domain.ActiveSession
	bindings map[string]*domain.FingerprintBinding
	events   []*domain.SecurityEvent

	failNext int
	failErr  error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		hosts:    make(map[uuid.UUID]*domain.Host),
		tokens:   make(map[uuid.UUID]*domain.InitialToken),
		sessions: make(map[uuid.UUID]*domain.ActiveSession),
		bindings: make(map[string]*domain.FingerprintBinding),
	}
}

func (s *Store) Hosts() Hosts               { return Hosts{s} }
func (s *Store) Tokens() Tokens             { return Tokens{s} }
func (s *Store) Sessions() Sessions         { return Sessions{s} }
func (s *Store) Fingerprints() Fingerprints { return Fingerprints{s} }
func (s *Store) Events() Events             { return Events{s} }

// FailNext makes the next n store calls return err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failErr = n, err
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HostByName finds a host by its normalized hostname.
func (s *Store) HostByName(hostname string) (*domain.Host, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		if h.Hostname == hostname {
			c := *h
			return &c, true
		}
	}
	return nil, false
}

// UpdateToken applies fn to a stored token in place. It reports whether the token exists.
func (s *Store) UpdateToken(id uuid.UUID, fn func(*domain.InitialToken)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if ok {
		fn(t)
	}
	return ok
}

// RecordedEvents returns the stored security events in insertion order.
func (s *Store) RecordedEvents() []*domain.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.SecurityEvent(nil), s.events...)
}

// lock acquires the store and reports any injected failure. The caller must unlock.
func (s *Store) lock(ctx context.Context) error {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

func copyToken(t *domain.InitialToken) *domain.InitialToken {
	c := *t
	return &c
}

func copySession(s *domain.ActiveSession) *domain.ActiveSession {
	c := *s
	return &c
}

// Hosts implements repository.HostStore.
type Hosts struct{ s *Store }

func (r Hosts) Create(ctx context.Context, host *domain.Host) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	for _, h := range r.s.hosts {
		if h.Hostname == host.Hostname {
			return domain.ErrHostAlreadyExists
		}
	}
	c := *host
	r.s.hosts[host.ID] = &c
	return nil
}

func (r Hosts) GetByID(ctx context.Context, id uuid.UUID) (*domain.Host, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	h, ok := r.s.hosts[id]
	if !ok {
		return nil, domain.ErrHostNotFound
	}
	c := *h
	return &c, nil
}

func (r Hosts) UpdateInitStatus(ctx context.Context, id uuid.UUID, status domain.HostInitStatus, at time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	h, ok := r.s.hosts[id]
	if !ok {
		return domain.ErrHostNotFound
	}
	h.InitStatus = status
	h.UpdatedAt = at
	if status == domain.HostInitReady && h.InitializedAt == nil {
		h.InitializedAt = &at
	}
	return nil
}

// Tokens implements repository.TokenStore.
type Tokens struct{ s *Store }

func (r Tokens) CreateSuperseding(ctx context.Context, token *domain.InitialToken, now time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	for _, t := range r.s.tokens {
		if t.TokenHash == token.TokenHash {
			return domain.ErrTokenCollision
		}
	}
	for _, t := range r.s.tokens {
		if t.HostID == token.HostID && t.Status != domain.TokenStatusConsumed && now.Before(t.ExpiresAt) {
			t.ExpiresAt = now
			t.PairingCodeHash = nil
			t.PairingCodeExpiresAt = nil
		}
	}
	r.s.tokens[token.ID] = copyToken(token)
	return nil
}

func (r Tokens) GetByID(ctx context.Context, id uuid.UUID) (*domain.InitialToken, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	t, ok := r.s.tokens[id]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return copyToken(t), nil
}

func (r Tokens) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.InitialToken, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	for _, t := range r.s.tokens {
		if t.TokenHash == tokenHash {
			return copyToken(t), nil
		}
	}
	return nil, domain.ErrTokenNotFound
}

func (r Tokens) GetLatestByHost(ctx context.Context, hostID uuid.UUID) (*domain.InitialToken, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	var latest *domain.InitialToken
	for _, t := range r.s.tokens {
		if t.HostID == hostID && (latest == nil || newerToken(t, latest)) {
			latest = t
		}
	}
	if latest == nil {
		return nil, domain.ErrTokenNotFound
	}
	return copyToken(latest), nil
}

// newerToken orders tokens like the Postgres store: created_at, then expires_at, then id.
func newerToken(a, b *domain.InitialToken) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.After(b.ExpiresAt)
	}
	return a.ID.String() > b.ID.String()
}

func (r Tokens) SetPairingCode(ctx context.Context, id uuid.UUID, codeHash string, codeExpiresAt, now time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	t, ok := r.s.tokens[id]
	if !ok {
		return domain.ErrTokenNotFound
	}
	if t.Status != domain.TokenStatusIssued || !now.Before(t.ExpiresAt) {
		return domain.ErrTokenWrongState
	}
	t.PairingCodeHash = &codeHash
	t.PairingCodeExpiresAt = &codeExpiresAt
	return nil
}

func (r Tokens) MarkPaired(ctx context.Context, id uuid.UUID, codeHash string, now time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	t, ok := r.s.tokens[id]
	if !ok {
		return domain.ErrTokenNotFound
	}
	if t.Status != domain.TokenStatusIssued || !now.Before(t.ExpiresAt) ||
		t.PairingCodeHash == nil || *t.PairingCodeHash != codeHash ||
		t.PairingCodeExpiresAt == nil || !now.Before(*t.PairingCodeExpiresAt) {
		return domain.ErrTokenWrongState
	}
	t.Status = domain.TokenStatusPaired
	t.PairingCodeHash = nil
	t.PairingCodeExpiresAt = nil
	return nil
}

func (r Tokens) List(ctx context.Context, filter domain.TokenFilter, now time.Time, limit, offset int) ([]*domain.InitialToken, int, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, 0, err
	}
	var matched []*domain.InitialToken
	for _, t := range r.s.tokens {
		consumed := t.Status == domain.TokenStatusConsumed
		expired := !now.Before(t.ExpiresAt)
		var keep bool
		switch filter {
		case domain.TokenFilterUsed:
			keep = consumed
		case domain.TokenFilterExpired:
			keep = !consumed && expired
		case domain.TokenFilterAll:
			keep = true
		default:
			keep = !consumed && !expired
		}
		if keep {
			matched = append(matched, copyToken(t))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r Tokens) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	if _, ok := r.s.tokens[id]; !ok {
		return domain.ErrTokenNotFound
	}
	delete(r.s.tokens, id)
	return nil
}

func (r Tokens) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.InitialToken, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	var out []*domain.InitialToken
	for _, t := range r.s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			out = append(out, copyToken(t))
		}
	}
	return out, nil
}

func (r Tokens) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range r.s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(r.s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Sessions implements repository.SessionStore.
type Sessions struct{ s *Store }

func (r Sessions) ConsumeAndCreate(ctx context.Context, tokenID uuid.UUID, allowed []domain.TokenStatus, session *domain.ActiveSession, now time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	t, ok := r.s.tokens[tokenID]
	if !ok {
		return domain.ErrTokenAlreadyConsumed
	}
	permitted := false
	for _, status := range allowed {
		if t.Status == status {
			permitted = true
		}
	}
	if !permitted || !now.Before(t.ExpiresAt) {
		return domain.ErrTokenAlreadyConsumed
	}
	for _, existing := range r.s.sessions {
		if existing.TokenHash == session.TokenHash {
			return domain.ErrTokenCollision
		}
	}
	t.Status = domain.TokenStatusConsumed
	t.ConsumedAt = &now
	ip := session.BoundIP
	t.ConsumedIP = &ip
	t.PairingCodeHash = nil
	t.PairingCodeExpiresAt = nil
	r.s.sessions[session.ID] = copySession(session)
	return nil
}

func (r Sessions) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.ActiveSession, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	for _, session := range r.s.sessions {
		if session.TokenHash == tokenHash {
			return copySession(session), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (r Sessions) Extend(ctx context.Context, id uuid.UUID, boundIP string, expiresAt, now time.Time) (time.Time, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return time.Time{}, err
	}
	session, ok := r.s.sessions[id]
	if !ok {
		return time.Time{}, domain.ErrSessionNotFound
	}
	if !now.Before(session.ExpiresAt) {
		return time.Time{}, domain.ErrSessionExpired
	}
	if session.BoundIP != boundIP {
		return time.Time{}, domain.ErrIPMismatch
	}
	if expiresAt.After(session.ExpiresAt) {
		session.ExpiresAt = expiresAt
	}
	session.LastExchangeAt = &now
	return session.ExpiresAt, nil
}

func (r Sessions) DeleteByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return false, err
	}
	for id, session := range r.s.sessions {
		if session.TokenHash == tokenHash {
			delete(r.s.sessions, id)
			return true, nil
		}
	}
	return false, nil
}

func (r Sessions) ListExpired(ctx context.Context, now time.Time) ([]*domain.ActiveSession, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	var out []*domain.ActiveSession
	for _, session := range r.s.sessions {
		if !now.Before(session.ExpiresAt) {
			out = append(out, copySession(session))
		}
	}
	return out, nil
}

func (r Sessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, session := range r.s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Fingerprints implements repository.FingerprintStore.
type Fingerprints struct{ s *Store }

func (r Fingerprints) Get(ctx context.Context, sessionKey string) (*domain.FingerprintBinding, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	b, ok := r.s.bindings[sessionKey]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	c := *b
	return &c, nil
}

func (r Fingerprints) Bind(ctx context.Context, binding *domain.FingerprintBinding) (*domain.FingerprintBinding, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return nil, err
	}
	if _, ok := r.s.bindings[binding.SessionKey]; !ok {
		c := *binding
		r.s.bindings[binding.SessionKey] = &c
	}
	c := *r.s.bindings[binding.SessionKey]
	return &c, nil
}

func (r Fingerprints) Touch(ctx context.Context, sessionKey string, at time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	if b, ok := r.s.bindings[sessionKey]; ok && b.TerminatedAt == nil {
		b.LastSeenAt = at
	}
	return nil
}

func (r Fingerprints) Terminate(ctx context.Context, sessionKey string, at time.Time) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	if b, ok := r.s.bindings[sessionKey]; ok && b.TerminatedAt == nil {
		b.TerminatedAt = &at
	}
	return nil
}

func (r Fingerprints) Revoke(ctx context.Context, binding *domain.FingerprintBinding) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	if b, ok := r.s.bindings[binding.SessionKey]; ok {
		if b.TerminatedAt == nil {
			at := *binding.TerminatedAt
			b.TerminatedAt = &at
		}
		return nil
	}
	b := *binding
	at := *binding.TerminatedAt
	b.TerminatedAt = &at
	r.s.bindings[b.SessionKey] = &b
	return nil
}

func (r Fingerprints) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return 0, err
	}
	var n int64
	for key, b := range r.s.bindings {
		if b.TerminatedAt != nil && b.TerminatedAt.Before(cutoff) {
			delete(r.s.bindings, key)
			n++
		}
	}
	return n, nil
}

// Events implements repository.EventStore.
type Events struct{ s *Store }

func (r Events) Create(ctx context.Context, event *domain.SecurityEvent) error {
	defer r.s.mu.Unlock()
	if err := r.s.lock(ctx); err != nil {
		return err
	}
	c := *event
	r.s.events = append(r.s.events, &c)
	return nil
}
