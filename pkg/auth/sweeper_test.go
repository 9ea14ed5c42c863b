package auth

import (
	"context"
	"testing"
	"time"
)

func TestSweeper_Sweep(t *testing.T) {
	env := newTestEnv(false)
	ctx := context.Background()

	// Expired bootstrap session and consumed token.
	hostA := env.registerHost("node-a")
	tokA, _ := env.issuer.IssueToken(ctx, hostA.ID, time.Hour, "op-1")
	if _, err := env.exchanger.GetSessionToken(ctx, tokA.Token, "10.0.0.1"); err != nil {
		t.Fatalf("GetSessionToken() error = %v", err)
	}

	// Live session that is extended before the sweep.
	hostB := env.registerHost("node-b")
	tokB, _ := env.issuer.IssueToken(ctx, hostB.ID, time.Hour, "op-1")
	grantB, _ := env.exchanger.GetSessionToken(ctx, tokB.Token, "10.0.0.2")
	if _, err := env.exchanger.ExchangeToken(ctx, grantB.SessionToken, "10.0.0.2"); err != nil {
		t.Fatalf("ExchangeToken() error = %v", err)
	}

	// Unused token that is expired but still within retention.
	hostC := env.registerHost("node-c")
	env.issuer.IssueToken(ctx, hostC.ID, 2*time.Hour, "op-1")

	env.clock.Advance(2 * time.Hour)

	plan, err := env.sweeper.Plan(ctx)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan) != 1 || plan[0].Kind != "session" || plan[0].HostID != hostA.ID {
		t.Fatalf("plan = %+v, want only node-a's session", plan)
	}

	result, err := env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if result.Sessions != 1 || result.Tokens != 0 {
		t.Errorf("result = %+v, want 1 session, 0 tokens", result)
	}
	if _, err := env.validator.Validate(ctx, grantB.SessionToken, "10.0.0.2"); err != nil {
		t.Errorf("extended session should survive the sweep: %v", err)
	}

	// Past the retention window every token goes, consumed or not.
	env.clock.Advance(DefaultTokenRetention + time.Minute)
	var observed SweepResult
	env.sweeper.OnSweep = func(r SweepResult) { observed = r }
	result, err = env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if result.Tokens != 3 {
		t.Errorf("tokens deleted = %d, want 3", result.Tokens)
	}
	if observed != result {
		t.Errorf("OnSweep saw %+v, want %+v", observed, result)
	}
}

func TestSweeper_RemovesOldTerminatedBindings(t *testing.T) {
	env := newTestEnv(false)
	ctx := context.Background()

	if err := env.fingerprint.Check(ctx, "sess-1", "op-1", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	_ = env.fingerprint.Check(ctx, "sess-1", "op-1", "10.0.0.9", "ua")

	env.clock.Advance(DefaultTokenRetention + time.Minute)
	result, err := env.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if result.Bindings != 1 {
		t.Errorf("bindings deleted = %d, want 1", result.Bindings)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(false)
	sweeper := NewSweeper(SweeperConfig{Interval: time.Millisecond}, env.store.Sessions(), env.store.Tokens(), nil, nil, env.clock.Now)

	swept := make(chan struct{}, 1)
	sweeper.OnSweep = func(SweepResult) {
		select {
		case swept <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
