package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
)

type examSummary struct {
	ID              snowflake.ID `json:"id"`
	Title           string       `json:"title"`
	DurationMinutes int          `json:"duration_minutes"`
	TotalMarks      float64      `json:"total_marks"`
}

func summarizeExam(exam *examdomain.Exam) examSummary {
	return examSummary{
		ID:              exam.ID,
		Title:           exam.Title,
		DurationMinutes: exam.DurationMinutes,
		TotalMarks:      exam.TotalMarks,
	}
}

func (s *Server) AccessInvitation(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	access, err := s.invitationSvc.Access(c.Request.Context(), token)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":    true,
		"canStart": access.CanStart,
		"status":   access.Invitation.Status,
		"message":  access.Message,
		"exam":     summarizeExam(access.Exam),
		"recipient": gin.H{
			"name":  access.Invitation.RecipientName,
			"email": access.Invitation.RecipientEmail,
		},
		"expiresAt": access.Invitation.ExpiresAt,
	})
}

func (s *Server) StartInvitation(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	started, err := s.invitationSvc.Start(c.Request.Context(), token)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cred, err := s.authority.Issue(
		started.Invitation.ID,
		started.Exam.ID,
		started.Invitation.RecipientEmail,
		started.Session.EndsAt,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stored, err := s.catalog.GetQuestions(c.Request.Context(), started.Exam.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	questions := make([]examdomain.Question, len(stored))
	for i, q := range stored {
		questions[i] = q.Sanitized()
	}

	c.JSON(http.StatusOK, gin.H{
		"credential": cred,
		"sessionId":  started.Session.ID,
		"expiresAt":  started.Session.EndsAt,
		"exam": gin.H{
			"id":               started.Exam.ID,
			"title":            started.Exam.Title,
			"duration_minutes": started.Exam.DurationMinutes,
			"questions":        questions,
		},
	})
}

type recordAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Answer     any    `json:"answer"`
}

func (s *Server) RecordAnswer(c *gin.Context) {
	grant, ok := s.grantFrom(c)
	if !ok || !s.sessionMatchesParam(c, grant.SessionID) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req recordAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.sessionSvc.RecordAnswer(c.Request.Context(), grant.SessionID, req.QuestionID, req.Answer); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type reportViolationRequest struct {
	Kind     string `json:"kind" binding:"required"`
	Severity string `json:"severity"`
}

func (s *Server) ReportViolation(c *gin.Context) {
	grant, ok := s.grantFrom(c)
	if !ok || !s.sessionMatchesParam(c, grant.SessionID) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req reportViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sess, err := s.sessionSvc.RecordViolation(c.Request.Context(), grant.SessionID, req.Kind, req.Severity)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"warningCount": sess.WarningCount,
	})
}

type submitRequest struct {
	Answers map[string]any `json:"answers"`
}

func (s *Server) SubmitSession(c *gin.Context) {
	grant, ok := s.grantFrom(c)
	if !ok || !s.sessionMatchesParam(c, grant.SessionID) {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.sessionSvc.Submit(c.Request.Context(), grant.SessionID, req.Answers, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Completing the invitation burns the token for future starts unless
	// the exam is retake-eligible.
	if err := s.invitationSvc.Complete(c.Request.Context(), grant.InvitationID, result.ID); err != nil &&
		!errors.Is(err, invitationdomain.ErrInvalidState) {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{
		"success":  true,
		"resultId": result.ID,
	}
	if result.VisibleToCandidate {
		resp["score"] = gin.H{
			"total_score": result.TotalScore,
			"total_marks": result.TotalMarks,
			"percentage":  result.Percentage,
			"passed":      result.Passed,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// sessionMatchesParam rejects a credential replayed against another
// session's URL.
func (s *Server) sessionMatchesParam(c *gin.Context, sessionID snowflake.ID) bool {
	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := snowflake.ParseString(raw)
	if err != nil {
		return false
	}
	return parsed == sessionID
}
