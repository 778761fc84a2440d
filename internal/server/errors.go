package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skillgate/skillgate/internal/credential"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	shortlistservice "github.com/skillgate/skillgate/internal/shortlist/service"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware converts errors attached to the gin context into
// the JSON error envelope. Handlers call AbortWithError and return; status
// mapping lives here, in one place.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, invitationdomain.ErrNoRecipients),
		errors.Is(err, invitationdomain.ErrInvalidOrganization),
		errors.Is(err, shortlistservice.ErrInvalidAction):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, credential.ErrInvalidCredential):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, credential.ErrExpiredCredential):
		return http.StatusUnauthorized, errorPayload{
			Type:    "expired_credential",
			Message: "credential has expired",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, invitationdomain.ErrAccessMode):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, invitationdomain.ErrRevoked):
		return http.StatusForbidden, errorPayload{
			Type:    "invitation_revoked",
			Message: "this invitation has been revoked",
		}
	case errors.Is(err, invitationdomain.ErrExpired):
		return http.StatusGone, errorPayload{
			Type:    "invitation_expired",
			Message: "this invitation has expired",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, credential.ErrAlreadySubmitted):
		return http.StatusConflict, errorPayload{
			Type:    "already_submitted",
			Message: "this attempt has already been submitted",
		}
	case errors.Is(err, invitationdomain.ErrDuplicate):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_invitation",
			Message: "an open invitation already exists for this recipient",
		}
	case errors.Is(err, invitationdomain.ErrInvalidState),
		errors.Is(err, sessiondomain.ErrInvalidState):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: "the requested transition is not allowed",
		}
	case errors.Is(err, sessiondomain.ErrEnded):
		return http.StatusConflict, errorPayload{
			Type:    "session_ended",
			Message: "the session has ended",
		}
	default:
		// Storage and other unexpected failures stay opaque.
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, examdomain.ErrNotFound),
		errors.Is(err, invitationdomain.ErrNotFound),
		errors.Is(err, sessiondomain.ErrNotFound),
		errors.Is(err, resultdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog labels request-log entries without leaking details.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status >= http.StatusBadRequest:
		return "client", payload.Type
	default:
		return "", payload.Type
	}
}
