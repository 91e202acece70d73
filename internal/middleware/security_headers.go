package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"secmon/internal/config"
)

// SecurityHeaders returns a middleware that sets hardening headers on every
// response. The API serves JSON only, so the policy defaults are strict.
func SecurityHeaders(cfg config.SecurityHeadersConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		logger.Info("security headers middleware disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", cfg.HSTSMaxAge)
	}

	logger.Info("security headers middleware initialized",
		"hsts_enabled", hsts != "",
		"csp_enabled", cfg.ContentSecurityPolicy != "",
		"frame_options", cfg.FrameOptions)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")

			for key, value := range cfg.CustomHeaders {
				h.Set(key, value)
			}

			next.ServeHTTP(w, r)
		})
	}
}
