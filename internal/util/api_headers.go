package util

import "net/http"

const hstsValue = "max-age=31536000; includeSubDomains"

// WithAPIHeaders sets response headers for the coach JSON API. Responses
// hold private drafts, so nothing is cacheable. HSTS is only sent when the
// request is known to be HTTPS; a forwarded proto is believed only from an
// allowlisted proxy.
func WithAPIHeaders(proxies *ProxyAllowlist, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		if RequestIsHTTPS(r, proxies) {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}
