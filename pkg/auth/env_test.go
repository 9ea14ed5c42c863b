package auth

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository/memory"
)

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []*domain.SecurityEvent
}

func (s *recordingSink) Emit(ctx context.Context, event *domain.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func (s *recordingSink) count(kind domain.EventKind) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(kind domain.EventKind) *domain.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind == kind {
			return s.events[i]
		}
	}
	return nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testSecret = "0123456789abcdef0123456789abcdef-test"

// testEnv wires every service against one in-memory store and one clock.
type testEnv struct {
	store       *memory.Store
	clock       *fakeClock
	sink        *recordingSink
	hasher      *Hasher
	issuer      *TokenIssuer
	verifier    *PairingVerifier
	exchanger   *SessionExchanger
	validator   *SessionValidator
	revoker     *SessionRevoker
	sweeper     *Sweeper
	fingerprint *FingerprintGuard
}

func newTestEnv(requirePairing bool) *testEnv {
	store := memory.New()
	clock := newFakeClock()
	sink := &recordingSink{}
	hasher, err := NewHasher([]byte(testSecret))
	if err != nil {
		panic(err)
	}

	hosts, tokens, sessions, fps := store.Hosts(), store.Tokens(), store.Sessions(), store.Fingerprints()
	return &testEnv{
		store:       store,
		clock:       clock,
		sink:        sink,
		hasher:      hasher,
		issuer:      NewTokenIssuer(IssuerConfig{StoreTimeout: time.Second}, hosts, tokens, hasher, sink, nil, clock.Now),
		verifier:    NewPairingVerifier(tokens, hasher, sink, nil, clock.Now, time.Second),
		exchanger:   NewSessionExchanger(ExchangerConfig{RequirePairing: requirePairing, StoreTimeout: time.Second}, hosts, tokens, sessions, hasher, sink, nil, clock.Now),
		validator:   NewSessionValidator(sessions, hasher, sink, nil, clock.Now, time.Second),
		revoker:     NewSessionRevoker(sessions, hasher, sink, nil, clock.Now, time.Second),
		sweeper:     NewSweeper(SweeperConfig{}, sessions, tokens, fps, nil, clock.Now),
		fingerprint: NewFingerprintGuard(fps, hasher, sink, nil, clock.Now, time.Second),
	}
}

func (e *testEnv) registerHost(hostname string) *domain.Host {
	host, err := e.issuer.RegisterHost(context.Background(), hostname, "", "op-1")
	if err != nil {
		panic(err)
	}
	return host
}
