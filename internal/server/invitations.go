package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
)

type sendInvitationsRequest struct {
	Recipients   []invitationdomain.Recipient `json:"recipients" binding:"required,dive"`
	ValidityDays int                          `json:"validity_days"`
}

type recipientOutcome struct {
	Email        string        `json:"email"`
	Success      bool          `json:"success"`
	InvitationID *snowflake.ID `json:"invitation_id,omitempty"`
	Token        string        `json:"token,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (s *Server) SendInvitations(c *gin.Context) {
	examID, ok := parseIDParam(c, "id")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req sendInvitationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcomes, err := s.invitationSvc.Send(c.Request.Context(), invitationdomain.SendRequest{
		ExamID:     examID,
		Recipients: req.Recipients,
		Validity:   time.Duration(req.ValidityDays) * 24 * time.Hour,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	results := make([]recipientOutcome, 0, len(outcomes))
	sent := 0
	for _, outcome := range outcomes {
		row := recipientOutcome{Email: outcome.Recipient.Email}
		if outcome.Err != nil {
			row.Error = outcomeErrorCode(outcome.Err)
		} else {
			row.Success = true
			row.InvitationID = &outcome.Invitation.ID
			row.Token = outcome.Token
			sent++
		}
		results = append(results, row)
	}

	c.JSON(http.StatusOK, gin.H{
		"sent":    sent,
		"results": results,
	})
}

func (s *Server) RevokeInvitation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.invitationSvc.Revoke(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

// outcomeErrorCode keeps per-recipient failures terse; storage errors stay
// opaque.
func outcomeErrorCode(err error) string {
	if err == nil {
		return ""
	}
	_, payload := mapError(err)
	return payload.Type
}
