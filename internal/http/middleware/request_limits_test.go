package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestSizeLimit(t *testing.T) {
	handler := RequestSizeLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			if HandleMaxBytesError(w, err) {
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		bodySize   int
		wantStatus int
	}{
		{"small body", 50, http.StatusOK},
		{"exact limit", 100, http.StatusOK},
		{"too large", 150, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/bootstrap/pairing-code/verify", bytes.NewReader(bytes.Repeat([]byte("a"), tt.bodySize)))
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusRequestEntityTooLarge {
				var response map[string]string
				json.NewDecoder(w.Body).Decode(&response)
				if response["error"] != "request body too large" {
					t.Errorf("Error = %q, want %q", response["error"], "request body too large")
				}
			}
		})
	}
}

func TestRequestSizeLimit_ZeroDisables(t *testing.T) {
	handler := RequestSizeLimit(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) != 4096 {
			t.Errorf("read %d bytes, want 4096", len(body))
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 4096))))
}
