package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/credential"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/monitor"
	obsmiddleware "github.com/skillgate/skillgate/internal/observability/logger"
	obsmetrics "github.com/skillgate/skillgate/internal/observability/metrics"
	"github.com/skillgate/skillgate/internal/orgcontext"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	shortlistservice "github.com/skillgate/skillgate/internal/shortlist/service"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !cfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	catalog       examdomain.Catalog
	invitationSvc invitationdomain.Service
	sessionSvc    sessiondomain.Service
	shortlistSvc  *shortlistservice.Service
	monitorSvc    *monitor.Service
	monitorHub    *monitor.Hub
	authority     *credential.Authority
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	Catalog       examdomain.Catalog
	InvitationSvc invitationdomain.Service
	SessionSvc    sessiondomain.Service
	ShortlistSvc  *shortlistservice.Service
	MonitorSvc    *monitor.Service
	MonitorHub    *monitor.Hub
	Authority     *credential.Authority
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		catalog:       p.Catalog,
		invitationSvc: p.InvitationSvc,
		sessionSvc:    p.SessionSvc,
		shortlistSvc:  p.ShortlistSvc,
		monitorSvc:    p.MonitorSvc,
		monitorHub:    p.MonitorHub,
		authority:     p.Authority,
	}

	svc.registerGuestRoutes()
	svc.registerOperatorRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerGuestRoutes() {
	guest := s.engine.Group("/api/v1/guest")

	guest.GET("/invitations/:token", s.AccessInvitation)
	guest.POST("/invitations/:token/start", s.StartInvitation)

	sessions := guest.Group("/sessions", s.CredentialRequired())
	{
		sessions.PUT("/:id/answers", s.RecordAnswer)
		sessions.POST("/:id/violations", s.ReportViolation)
		sessions.POST("/:id/submit", s.SubmitSession)
	}
}

func (s *Server) registerOperatorRoutes() {
	api := s.engine.Group("/api/v1", s.OrgContext())

	api.POST("/exams/:id/invitations", s.SendInvitations)
	api.DELETE("/invitations/:id", s.RevokeInvitation)
	api.POST("/exams/:id/shortlist", s.ApplyShortlist)
	api.GET("/exams/:id/live", s.LiveSnapshot)
	api.GET("/exams/:id/live/stream", s.StreamLive)
}

// OrgContext resolves the operator's organization from the X-Org-ID header.
// A real deployment gates these routes behind operator auth; the org header
// is the first-cut tenancy boundary.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-Org-ID"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

const grantContextKey = "credential_grant"

// CredentialRequired verifies the guest bearer credential and stashes the
// resolved grant for the handler. Verification re-checks invitation and
// session state on every request.
func (s *Server) CredentialRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		grant, err := s.authority.Verify(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(grantContextKey, grant)
		c.Next()
	}
}

func (s *Server) grantFrom(c *gin.Context) (*credential.Grant, bool) {
	value, ok := c.Get(grantContextKey)
	if !ok {
		return nil, false
	}
	grant, ok := value.(*credential.Grant)
	return grant, ok
}
