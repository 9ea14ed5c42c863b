package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/db/migrate"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// openTestDB connects to TEST_DATABASE_URL and applies migrations, or skips.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Skipping repository test - TEST_DATABASE_URL not set")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestHost(t *testing.T, hosts *HostsRepository) *domain.Host {
	t.Helper()
	now := time.Now().UTC()
	host := &domain.Host{
		ID:         uuid.New(),
		Hostname:   "host-" + uuid.NewString()[:8] + ".test",
		InitStatus: domain.HostInitPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := hosts.Create(context.Background(), host); err != nil {
		t.Fatalf("create host: %v", err)
	}
	return host
}

func newTestToken(hostID uuid.UUID, now time.Time) *domain.InitialToken {
	return &domain.InitialToken{
		ID:        uuid.New(),
		HostID:    hostID,
		TokenHash: uuid.NewString(),
		Status:    domain.TokenStatusIssued,
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestHostsRepository_DuplicateHostname(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostsRepository(db)
	host := createTestHost(t, hosts)

	dup := *host
	dup.ID = uuid.New()
	if err := hosts.Create(context.Background(), &dup); !errors.Is(err, domain.ErrHostAlreadyExists) {
		t.Fatalf("err = %v, want ErrHostAlreadyExists", err)
	}
}

func TestInitialTokensRepository_Supersedes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hosts := NewHostsRepository(db)
	tokens := NewInitialTokensRepository(db)
	host := createTestHost(t, hosts)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newTestToken(host.ID, now)
	if err := tokens.CreateSuperseding(ctx, first, now); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := newTestToken(host.ID, now.Add(time.Second))
	if err := tokens.CreateSuperseding(ctx, second, now.Add(time.Second)); err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, err := tokens.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if !got.IsExpired(now.Add(time.Second)) {
		t.Error("first token should be expired after reissue")
	}

	latest, err := tokens.GetLatestByHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}
}

func TestInitialTokensRepository_MarkPairedOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tokens := NewInitialTokensRepository(db)
	host := createTestHost(t, NewHostsRepository(db))
	now := time.Now().UTC()

	token := newTestToken(host.ID, now)
	if err := tokens.CreateSuperseding(ctx, token, now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tokens.SetPairingCode(ctx, token.ID, "code-hash", now.Add(5*time.Minute), now); err != nil {
		t.Fatalf("set code: %v", err)
	}

	if err := tokens.MarkPaired(ctx, token.ID, "other-hash", now); !errors.Is(err, domain.ErrTokenWrongState) {
		t.Fatalf("wrong code err = %v, want ErrTokenWrongState", err)
	}
	if err := tokens.MarkPaired(ctx, token.ID, "code-hash", now); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
	if err := tokens.MarkPaired(ctx, token.ID, "code-hash", now); !errors.Is(err, domain.ErrTokenWrongState) {
		t.Fatalf("second pairing err = %v, want ErrTokenWrongState", err)
	}
	if err := tokens.MarkPaired(ctx, uuid.New(), "code-hash", now); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("unknown token err = %v, want ErrTokenNotFound", err)
	}
}

func TestSessionsRepository_ConsumeOnceUnderRace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tokens := NewInitialTokensRepository(db)
	sessions := NewSessionsRepository(db)
	host := createTestHost(t, NewHostsRepository(db))
	now := time.Now().UTC()

	token := newTestToken(host.ID, now)
	if err := tokens.CreateSuperseding(ctx, token, now); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokenID := token.ID
			s := &domain.ActiveSession{
				ID:             uuid.New(),
				HostID:         host.ID,
				InitialTokenID: &tokenID,
				TokenHash:      uuid.NewString(),
				BoundIP:        "10.0.0.1",
				ExpiresAt:      now.Add(7 * 24 * time.Hour),
				CreatedAt:      now,
			}
			allowed := []domain.TokenStatus{domain.TokenStatusIssued, domain.TokenStatusPaired}
			if err := sessions.ConsumeAndCreate(ctx, token.ID, allowed, s, now); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}
}

func TestSessionsRepository_ExtendIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tokens := NewInitialTokensRepository(db)
	sessions := NewSessionsRepository(db)
	host := createTestHost(t, NewHostsRepository(db))
	now := time.Now().UTC().Truncate(time.Microsecond)

	token := newTestToken(host.ID, now)
	if err := tokens.CreateSuperseding(ctx, token, now); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := &domain.ActiveSession{
		ID:             uuid.New(),
		HostID:         host.ID,
		InitialTokenID: &token.ID,
		TokenHash:      uuid.NewString(),
		BoundIP:        "10.0.0.2",
		ExpiresAt:      now.Add(48 * time.Hour),
		CreatedAt:      now,
	}
	if err := sessions.ConsumeAndCreate(ctx, token.ID, []domain.TokenStatus{domain.TokenStatusIssued}, s, now); err != nil {
		t.Fatalf("consume: %v", err)
	}

	got, err := sessions.Extend(ctx, s.ID, "10.0.0.2", now.Add(24*time.Hour), now)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !got.Equal(s.ExpiresAt) {
		t.Errorf("expiry moved backwards: got %v, want %v", got, s.ExpiresAt)
	}

	if _, err := sessions.Extend(ctx, s.ID, "10.0.0.3", now.Add(72*time.Hour), now); !errors.Is(err, domain.ErrIPMismatch) {
		t.Errorf("extend from other IP err = %v, want ErrIPMismatch", err)
	}

	deleted, err := sessions.DeleteByTokenHash(ctx, s.TokenHash)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	deleted, err = sessions.DeleteByTokenHash(ctx, s.TokenHash)
	if err != nil || deleted {
		t.Fatalf("second delete = %v, %v; want false, nil", deleted, err)
	}
}

func TestFingerprintsRepository_FirstBindWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fps := NewFingerprintsRepository(db)
	now := time.Now().UTC()
	key := uuid.NewString()

	first, err := fps.Bind(ctx, &domain.FingerprintBinding{
		SessionKey: key, OperatorID: "op", Fingerprint: "aaa", BoundIP: "1.1.1.1", CreatedAt: now, LastSeenAt: now,
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	second, err := fps.Bind(ctx, &domain.FingerprintBinding{
		SessionKey: key, OperatorID: "op", Fingerprint: "bbb", BoundIP: "2.2.2.2", CreatedAt: now, LastSeenAt: now,
	})
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if first.Fingerprint != "aaa" || second.Fingerprint != "aaa" {
		t.Errorf("fingerprints = %q, %q; want aaa for both", first.Fingerprint, second.Fingerprint)
	}
}

func TestInitialTokensRepository_LatestWhenReissuedInSameInstant(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hosts := NewHostsRepository(db)
	tokens := NewInitialTokensRepository(db)
	host := createTestHost(t, hosts)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newTestToken(host.ID, now)
	second := newTestToken(host.ID, now)
	for _, tok := range []*domain.InitialToken{first, second} {
		if err := tokens.CreateSuperseding(ctx, tok, now); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	latest, err := tokens.GetLatestByHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want the reissued token %s", latest.ID, second.ID)
	}
}

func TestFingerprintsRepository_RevokeWithoutBinding(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fps := NewFingerprintsRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	key := uuid.NewString()

	if err := fps.Revoke(ctx, &domain.FingerprintBinding{
		SessionKey: key, OperatorID: "op", CreatedAt: now, LastSeenAt: now, TerminatedAt: &now,
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	later := now.Add(time.Minute)
	if err := fps.Revoke(ctx, &domain.FingerprintBinding{
		SessionKey: key, OperatorID: "op", CreatedAt: later, LastSeenAt: later, TerminatedAt: &later,
	}); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	got, err := fps.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsTerminated() || !got.TerminatedAt.Equal(now) {
		t.Errorf("terminated_at = %v, want %v", got.TerminatedAt, now)
	}
}
