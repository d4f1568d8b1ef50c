package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveAPIHeaders(t *testing.T, proxies *ProxyAllowlist, req *http.Request) http.Header {
	t.Helper()
	h := WithAPIHeaders(proxies, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Header()
}

func TestWithAPIHeaders(t *testing.T) {
	got := serveAPIHeaders(t, nil, httptest.NewRequest(http.MethodGet, "/api/coach/sessions", nil))
	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}
	for name, value := range want {
		if got.Get(name) != value {
			t.Fatalf("%s = %q, want %q", name, got.Get(name), value)
		}
	}
	if got.Get("Strict-Transport-Security") != "" {
		t.Fatalf("unexpected HSTS on plain http")
	}
}

func TestWithAPIHeadersHSTSOnlyFromTrustedProxy(t *testing.T) {
	proxies := mustAllowlist(t, "10.0.0.0/8")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.8:1000"
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := serveAPIHeaders(t, proxies, req).Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("HSTS set for untrusted forwarded proto: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.8:1000"
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := serveAPIHeaders(t, proxies, req).Get("Strict-Transport-Security"); got != hstsValue {
		t.Fatalf("HSTS = %q, want %q", got, hstsValue)
	}
}
