package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/skillgate/skillgate/internal/clock"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/credential"
	"github.com/skillgate/skillgate/internal/exam"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	"github.com/skillgate/skillgate/internal/invitation"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/monitor"
	"github.com/skillgate/skillgate/internal/notification"
	"github.com/skillgate/skillgate/internal/observability"
	"github.com/skillgate/skillgate/internal/result"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
	"github.com/skillgate/skillgate/internal/scheduler"
	"github.com/skillgate/skillgate/internal/server"
	"github.com/skillgate/skillgate/internal/session"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"github.com/skillgate/skillgate/internal/shortlist"
	"github.com/skillgate/skillgate/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional domains
		exam.Module,
		result.Module,
		notification.Module,
		monitor.Module,
		session.Module,
		invitation.Module,
		credential.Module,
		shortlist.Module,

		server.Module,
		scheduler.Module,

		fx.Invoke(autoMigrate),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// autoMigrate keeps dev databases current. Production schemas are managed
// out of band.
func autoMigrate(cfg config.Config, gdb *gorm.DB) error {
	if !cfg.Debug() {
		return nil
	}
	return gdb.AutoMigrate(
		&examdomain.Exam{},
		&examdomain.Question{},
		&invitationdomain.Invitation{},
		&sessiondomain.Session{},
		&sessiondomain.Violation{},
		&resultdomain.Result{},
	)
}
