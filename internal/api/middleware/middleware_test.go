package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-1" || rec.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("incoming id not kept: ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-1" {
		t.Errorf("expected a generated id, got %q", seen)
	}
}

func TestOperator(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		method   string
		operator string
		want     int
	}{
		{"read without operator", true, http.MethodGet, "", http.StatusNoContent},
		{"write without operator", true, http.MethodPost, "", http.StatusUnauthorized},
		{"write with operator", true, http.MethodPost, "nurse-1", http.StatusNoContent},
		{"not required", false, http.MethodDelete, "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := Operator(tt.required)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetOperator(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.operator != "" {
				req.Header.Set(OperatorHeader, tt.operator)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusNoContent && seen != tt.operator {
				t.Errorf("operator = %q, want %q", seen, tt.operator)
			}
		})
	}
}

func TestClientRateLimiter(t *testing.T) {
	h := NewClientRateLimiter(0.001, 2).Middleware(ok)

	call := func(operator, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if operator != "" {
			req.Header.Set(OperatorHeader, operator)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("nurse-1", "10.0.0.1:1000"); code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := call("nurse-1", "10.0.0.2:1000"); code != http.StatusTooManyRequests {
		t.Errorf("burst exhausted for operator, got %d", code)
	}

	// a different operator has its own bucket
	if code := call("nurse-2", "10.0.0.1:1000"); code != http.StatusNoContent {
		t.Errorf("second operator limited: %d", code)
	}

	// anonymous clients are keyed by host, not port
	call("", "10.0.0.9:1000")
	call("", "10.0.0.9:2000")
	if code := call("", "10.0.0.9:3000"); code != http.StatusTooManyRequests {
		t.Errorf("anonymous host not limited: %d", code)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/visits", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Error("missing allow headers")
	}
}
