package api

import (
	"net/http"
	"strings"
)

// SecurityHeadersWithConfig wraps next with the panel's security headers.
// With embedding allowed the panel may be framed by its own origin and by
// each explicit entry in allowedOrigins; a bare "*" is never honoured.
func SecurityHeadersWithConfig(next http.Handler, allowEmbedding bool, allowedOrigins string) http.Handler {
	frameOptions, ancestors := "DENY", "'none'"
	if allowEmbedding {
		frameOptions, ancestors = "SAMEORIGIN", "'self'"
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" && origin != "*" {
				ancestors += " " + origin
			}
		}
	}

	csp := strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self'",
		"img-src 'self' data:",
		"connect-src 'self' ws: wss:",
		"frame-ancestors " + ancestors,
	}, "; ")

	headers := map[string]string{
		"X-Frame-Options":         frameOptions,
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": csp,
		"Referrer-Policy":         "strict-origin-when-cross-origin",
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range headers {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}
