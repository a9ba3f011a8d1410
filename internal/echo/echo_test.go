package echo

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer("test", "")
	mux := newTestMux(s)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	s.SetHealthy(false)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unhealthy, got %d", rr.Code)
	}
}

func TestProcessEchoesPayload(t *testing.T) {
	s := NewServer("test", "")
	mux := newTestMux(s)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader(`{"k":"v"}`))
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != `{"k":"v"}` {
		t.Fatalf("expected echo, got %s", rr.Body.String())
	}
}

func TestProcessAuth(t *testing.T) {
	s := NewServer("test", "sekrit")
	mux := newTestMux(s)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("x")))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("x"))
	req.Header.Set("Authorization", "Bearer sekrit")
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}

func TestAdminHealthToggle(t *testing.T) {
	s := NewServer("test", "")
	mux := newTestMux(s)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/health", strings.NewReader(`{"healthy":false}`))
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after toggle, got %d", rr.Code)
	}
}
