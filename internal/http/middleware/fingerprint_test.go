package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

type fakeFingerprints struct {
	err        error
	activeErr  error
	sessionKey string
	ip         string
	activeKey  string
}

func (f *fakeFingerprints) Check(ctx context.Context, sessionKey, operatorID, ip, userAgent string) error {
	f.sessionKey = sessionKey
	f.ip = ip
	return f.err
}

func (f *fakeFingerprints) Active(ctx context.Context, sessionKey string) error {
	f.activeKey = sessionKey
	return f.activeErr
}

func withOperator(r *http.Request) *http.Request {
	claims := &auth.OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ID: "sess-1"}}
	return r.WithContext(context.WithValue(r.Context(), OperatorClaimsKey, claims))
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name          string
		checkErr      error
		path          string
		operator      bool
		wantStatus    int
		wantCleared   bool
		wantCheckCall bool
	}{
		{"match", nil, "/bootstrap/token", true, http.StatusOK, false, true},
		{"mismatch", domain.ErrFingerprintMismatch, "/bootstrap/token", true, http.StatusUnauthorized, true, true},
		{"already terminated", domain.ErrSessionTerminated, "/bootstrap/tokens", true, http.StatusUnauthorized, true, true},
		{"store failure", errors.Join(domain.ErrStoreUnavailable, context.DeadlineExceeded), "/bootstrap/token", true, http.StatusServiceUnavailable, false, true},
		{"bypass path", domain.ErrFingerprintMismatch, "/static/app.css", true, http.StatusOK, false, false},
		{"no operator", domain.ErrFingerprintMismatch, "/bootstrap/token", false, http.StatusOK, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &fakeFingerprints{err: tt.checkErr}
			handler := Fingerprint(checker, FingerprintConfig{
				Enabled: true,
				Bypass:  DefaultFingerprintBypass,
				Cookie:  httputil.DefaultCookieConfig(),
				Logger:  discardLogger(),
			})(okHandler())

			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.RemoteAddr = "198.51.100.20:1234"
			if tt.operator {
				req = withOperator(req)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			cleared := false
			for _, c := range rec.Result().Cookies() {
				if c.Name == httputil.AccessTokenCookie && c.MaxAge < 0 {
					cleared = true
				}
			}
			if cleared != tt.wantCleared {
				t.Errorf("cookie cleared = %v, want %v", cleared, tt.wantCleared)
			}
			if called := checker.sessionKey != ""; called != tt.wantCheckCall {
				t.Errorf("checker called = %v, want %v", called, tt.wantCheckCall)
			}
			if tt.wantCheckCall && (checker.sessionKey != "sess-1" || checker.ip != "198.51.100.20") {
				t.Errorf("checked (%q, %q), want (sess-1, 198.51.100.20)", checker.sessionKey, checker.ip)
			}
		})
	}
}

func TestFingerprint_Disabled(t *testing.T) {
	tests := []struct {
		name        string
		activeErr   error
		wantStatus  int
		wantCleared bool
	}{
		{"live session", nil, http.StatusOK, false},
		{"logged out", domain.ErrSessionTerminated, http.StatusUnauthorized, true},
		{"store failure", errors.Join(domain.ErrStoreUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &fakeFingerprints{err: domain.ErrFingerprintMismatch, activeErr: tt.activeErr}
			handler := Fingerprint(checker, FingerprintConfig{
				Enabled: false,
				Cookie:  httputil.DefaultCookieConfig(),
				Logger:  discardLogger(),
			})(okHandler())

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, withOperator(httptest.NewRequest(http.MethodGet, "/bootstrap/tokens", nil)))

			if rec.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			if checker.sessionKey != "" {
				t.Error("fingerprint comparison should not run when disabled")
			}
			if checker.activeKey != "sess-1" {
				t.Errorf("Active() called with %q, want sess-1", checker.activeKey)
			}
			cleared := false
			for _, c := range rec.Result().Cookies() {
				if c.Name == httputil.AccessTokenCookie && c.MaxAge < 0 {
					cleared = true
				}
			}
			if cleared != tt.wantCleared {
				t.Errorf("cookie cleared = %v, want %v", cleared, tt.wantCleared)
			}
		})
	}
}
