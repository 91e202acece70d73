package middleware

import (
	"crypto/sha256"
	"log/slog"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"secmon/internal/config"
	"secmon/internal/logging"
)

const verifiedKeyCacheSize = 256

// openPaths skip authentication.
var openPaths = map[string]bool{"/health": true, "/metrics": true}

// keyVerifier checks keys against bcrypt hashes. Keys that verified once
// are remembered by SHA-256 digest so repeat requests skip bcrypt.
type keyVerifier struct {
	hashes   [][]byte
	verified *lru.Cache[[sha256.Size]byte, struct{}]
}

func newKeyVerifier(hashes []string) *keyVerifier {
	v := &keyVerifier{}
	for _, h := range hashes {
		v.hashes = append(v.hashes, []byte(h))
	}
	v.verified, _ = lru.New[[sha256.Size]byte, struct{}](verifiedKeyCacheSize)
	return v
}

func (v *keyVerifier) ok(key string) bool {
	digest := sha256.Sum256([]byte(key))
	if v.verified.Contains(digest) {
		return true
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.verified.Add(digest, struct{}{})
			return true
		}
	}
	return false
}

// APIKeyAuth requires a valid key in cfg.APIKeyHeader (X-API-Key by
// default) on every path except /health and /metrics. It is a no-op when
// auth is disabled.
func APIKeyAuth(cfg config.AuthConfig, logger *slog.Logger) Middleware {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	logger = orDefault(logger)
	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	keys := newKeyVerifier(cfg.APIKeyHashes)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			switch key := r.Header.Get(header); {
			case key == "":
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			case !keys.ok(key):
				logger.Warn("rejected API key",
					"key", logging.MaskAPIKey(key),
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// HashAPIKey returns the bcrypt hash to put in auth.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(h), err
}
