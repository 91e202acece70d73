// Package errors defines the monitor's error taxonomy and the helpers that
// keep internal details out of API responses.
package errors

import (
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var production atomic.Bool

// SetProductionMode turns message sanitizing on or off. The server sets it
// once from configuration.
func SetProductionMode(on bool) { production.Store(on) }

// IsProduction reports whether messages are being sanitized.
func IsProduction() bool { return production.Load() }

const (
	backendMessage  = "backend operation failed"
	internalMessage = "internal server error"
)

// scrub rewrites one kind of detail inside a message.
type scrub struct {
	pattern *regexp.Regexp
	replace func(match string) string
}

var scrubs = []scrub{
	// absolute paths keep only their base name
	{
		pattern: regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`),
		replace: filepath.Base,
	},
	// IPv4 addresses keep their network half
	{
		pattern: regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.\d{1,3}\.\d{1,3}\b`),
		replace: func(m string) string {
			octets := strings.SplitN(m, ".", 3)
			return octets[0] + "." + octets[1] + ".x.x"
		},
	},
}

// backendDetail marks messages that name a backend or carry a credential.
// Those are replaced wholesale.
var backendDetail = regexp.MustCompile(`(?i)(clickhouse|redis:|kafka:|nats:|s3:|password=|secret=|token=|api[_-]?key=)`)

// SanitizeString strips paths, addresses and backend details from s. It is
// the identity outside production mode.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}
	if backendDetail.MatchString(s) {
		return backendMessage
	}
	if strings.Contains(s, "goroutine ") || strings.Count(s, "\n") > 3 {
		return internalMessage
	}
	for _, sc := range scrubs {
		s = sc.pattern.ReplaceAllStringFunc(s, sc.replace)
	}
	return s
}

// SanitizeError is SanitizeString for errors. nil stays nil.
func SanitizeError(err error) error {
	if err == nil || !IsProduction() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SafeErrorMessage returns the message an API client may see. Validation
// and not-found errors describe the caller's own request and are returned
// as is; pattern errors collapse to a fixed message.
func SafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err), IsNotFound(err):
		return err.Error()
	case IsPattern(err):
		return "invalid pattern"
	}
	return SanitizeString(err.Error())
}

// HTTPStatus maps the taxonomy onto HTTP status codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err), IsPattern(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsPersistence(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
