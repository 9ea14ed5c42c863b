package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/auth"
)

const (
	testTokenSecret    = "token-secret-0123456789abcdef0123456789"
	testOperatorSecret = "operator-secret-0123456789abcdef01234567"
)

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no command", nil, "missing command"},
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"migrate without direction", []string{"migrate"}, "migrate requires one of"},
		{"operator-token without operator", []string{"operator-token"}, "--operator is required"},
		{"unknown flag", []string{"sweep", "--bogus"}, "unknown flag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args, &stdout, &stderr)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) error = %v, want it to contain %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"help"}, &stdout, &stderr); err != nil {
		t.Fatalf("run(help) error = %v", err)
	}
	if !strings.Contains(stdout.String(), "bootstrapctl sweep") {
		t.Errorf("help output = %q", stdout.String())
	}
}

func TestRun_OperatorToken(t *testing.T) {
	t.Setenv("TOKEN_SECRET", testTokenSecret)
	t.Setenv("OPERATOR_JWT_SECRET", testOperatorSecret)
	t.Setenv("OPERATOR_JWT_ISSUER", "")
	t.Setenv("STORE_DRIVER", "")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"operator-token", "--operator", "alice", "--ttl", "1h"}, &stdout, &stderr); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	operators, err := auth.NewOperatorTokens([]byte(testOperatorSecret), "simple-bootstrap", nil)
	if err != nil {
		t.Fatalf("NewOperatorTokens() error = %v", err)
	}
	claims, err := operators.Validate(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.OperatorID() != "alice" {
		t.Errorf("OperatorID() = %q, want alice", claims.OperatorID())
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > time.Hour || ttl < 59*time.Minute {
		t.Errorf("token lifetime = %v, want about 1h", ttl)
	}
}
