package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	"github.com/skillgate/skillgate/internal/monitor"
	"github.com/skillgate/skillgate/internal/orgcontext"
)

func (s *Server) LiveSnapshot(c *gin.Context) {
	examID, ok := parseIDParam(c, "id")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	snap, err := s.monitorSvc.Snapshot(c.Request.Context(), examID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// StreamLive pushes periodic snapshots and ad-hoc violation alerts over
// SSE. Each connection is its own hub subscription; reconnecting with the
// same subscriber id replaces the previous timer.
func (s *Server) StreamLive(c *gin.Context) {
	examID, ok := parseIDParam(c, "id")
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	interval := time.Duration(0)
	if raw := strings.TrimSpace(c.Query("interval_ms")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		interval = time.Duration(ms) * time.Millisecond
	}

	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	// Snapshots are org-scoped by the aggregation SQL, but published alerts
	// are not; the subscription itself must carry the tenancy boundary.
	if examID != 0 {
		exam, err := s.catalog.GetExam(c.Request.Context(), examID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if exam.OrgID != orgID {
			AbortWithError(c, examdomain.ErrNotFound)
			return
		}
	}

	subscriberID := strings.TrimSpace(c.Query("subscriber_id"))
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	events, unsubscribe := s.monitorHub.Subscribe(c.Request.Context(), subscriberID, orgID, examID, interval)
	defer unsubscribe()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeMonitorEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeMonitorEvent(w io.Writer, event monitor.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
