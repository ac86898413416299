package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/queue"
)

// API error codes beyond the approval verification codes, which pass through
// verbatim. Stable strings; clients branch on the code, never the message.
const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeUnknownAgent   = "unknown_agent"
	codeQueueFull      = "queue_full"
	codeShuttingDown   = "shutting_down"
	codeCancelled      = "cancelled"
	codeWaitTimeout    = "wait_timeout"
	codeLockedKey      = "locked_key"
	codeBadPassphrase  = "bad_passphrase"
	codeNoKeyring      = "no_keyring"
	codeKeyringExists  = "keyring_exists"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal_error"
)

// ErrorResponse is the envelope every failed request returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// mapError translates domain errors into the envelope. Unrecognised errors
// become opaque 500s so internals never leak to clients.
func mapError(c *gin.Context, err error) {
	var verr *approval.VerificationError
	if errors.As(err, &verr) {
		writeError(c, verificationStatus(verr.Code), verr.Code, verr.Message)
		return
	}

	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		writeError(c, http.StatusNotFound, codeUnknownAgent, err.Error())
	case errors.Is(err, approval.ErrEnvelopeNotFound):
		writeError(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, approval.ErrLocked):
		writeError(c, http.StatusConflict, codeLockedKey,
			"signing key is locked; POST /api/v1/keys/unlock with the passphrase first")
	case errors.Is(err, approval.ErrBadPassphrase):
		writeError(c, http.StatusForbidden, codeBadPassphrase, err.Error())
	case errors.Is(err, approval.ErrNoKeyring):
		writeError(c, http.StatusConflict, codeNoKeyring, err.Error())
	case errors.Is(err, approval.ErrKeyringExists):
		writeError(c, http.StatusConflict, codeKeyringExists, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(c, http.StatusTooManyRequests, codeQueueFull, err.Error())
	case errors.Is(err, queue.ErrDispatcherStopped):
		writeError(c, http.StatusServiceUnavailable, codeShuttingDown, "server is shutting down")
	case errors.Is(err, queue.ErrCancelled):
		writeError(c, http.StatusConflict, codeCancelled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, codeWaitTimeout,
			"work item did not finish within the wait window; it keeps running")
	default:
		slog.Error("Unexpected API error", "error", err, "path", c.Request.URL.Path)
		writeError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

// verificationStatus picks the HTTP status for a verification failure. The
// code is the contract; the status only groups the failure class.
func verificationStatus(code string) int {
	switch code {
	case approval.CodeInvalidSubmission:
		return http.StatusBadRequest
	case approval.CodeExpiredOrUnknown:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}
