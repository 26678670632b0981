package proxyserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

// AuthError means the provider requires SSO and no credentials are
// available. Fatal at startup: forwarding without auth would only produce
// confusing upstream 401s.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for provider %s: %s", e.Provider, e.Reason)
}

// NetworkError wraps upstream reachability failures (DNS, refused, reset).
// Operational, mapped to 502 and logged at debug.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "upstream unreachable: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// errorBody is the stable envelope every local client sees on failure.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Help    string `json:"help,omitempty"`
}

type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId"`
	Timestamp string    `json:"timestamp"`
}

// classify maps an error to its HTTP status and envelope body.
func classify(err error) (int, errorBody) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, errorBody{
			Code:    "authentication_required",
			Message: authErr.Error(),
			Help:    "run the SSO login flow and retry",
		}
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return http.StatusBadGateway, errorBody{
			Code:    "upstream_unreachable",
			Message: netErr.Error(),
		}
	}
	return http.StatusInternalServerError, errorBody{
		Code:    "internal_error",
		Message: err.Error(),
	}
}

func writeError(c *gin.Context, requestID string, err error) {
	status, body := classify(err)
	c.AbortWithStatusJSON(status, errorEnvelope{
		Error:     body,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// isClientDisconnectErr classifies write-side failures caused by the
// downstream client closing mid-stream. Those are normal termination, never
// errors.
func isClientDisconnectErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		if errors.Is(op.Err, syscall.EPIPE) || errors.Is(op.Err, syscall.ECONNRESET) {
			return true
		}
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "connection reset by peer")
}

func isAddrInUseErr(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
