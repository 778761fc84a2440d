package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	shortlistdomain "github.com/skillgate/skillgate/internal/shortlist/domain"
	shortlistservice "github.com/skillgate/skillgate/internal/shortlist/service"
)

type shortlistRequest struct {
	InvitationIDs []snowflake.ID           `json:"invitationIds" binding:"required"`
	Action        string                   `json:"action" binding:"required"`
	Comment       string                   `json:"comment"`
	Criteria      shortlistdomain.Criteria `json:"criteria"`
}

func (s *Server) ApplyShortlist(c *gin.Context) {
	examID, ok := parseIDParam(c, "id")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req shortlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	decidedBy := strings.TrimSpace(c.GetHeader("X-Operator"))
	if decidedBy == "" {
		decidedBy = "operator"
	}

	updated, err := s.shortlistSvc.Shortlist(c.Request.Context(), shortlistservice.Request{
		ExamID:        examID,
		InvitationIDs: req.InvitationIDs,
		Action:        req.Action,
		Comment:       req.Comment,
		Criteria:      req.Criteria,
		DecidedBy:     decidedBy,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
