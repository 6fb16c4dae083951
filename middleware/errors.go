package middleware

import (
	"errors"
	"net/http"

	tenantAuth "github.com/MrEthical07/tenantAuth"
)

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch tenantAuth.KindOf(err) {
	case 0:
		return http.StatusOK
	case tenantAuth.KindValidation:
		return http.StatusBadRequest
	case tenantAuth.KindInvalidCredential, tenantAuth.KindReuseDetected:
		return http.StatusUnauthorized
	case tenantAuth.KindLocked:
		return http.StatusTooManyRequests
	case tenantAuth.KindNotFound:
		return http.StatusNotFound
	case tenantAuth.KindConflict:
		return http.StatusConflict
	case tenantAuth.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err's public message with its status code. Lockouts
// carry a Retry-After header.
func WriteError(w http.ResponseWriter, err error) {
	var ae *tenantAuth.Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfter(ae.RetryAfter))
	}
	http.Error(w, tenantAuth.PublicMessage(err), StatusFor(err))
}
