package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCORS_Preflight(t *testing.T) {
	h := WithCORS(CORSPolicy{AllowedOrigins: SplitList("https://app.example.com, https://admin.example.com")})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/bookings", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	if got := rw.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rw.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("expected default allowed methods")
	}
}

func TestWithCORS_UnknownOrigin(t *testing.T) {
	h := WithCORS(CORSPolicy{AllowedOrigins: []string{"https://app.example.com"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected CORS header for unknown origin")
	}
}
