package credential

import (
	"github.com/skillgate/skillgate/internal/clock"
	"github.com/skillgate/skillgate/internal/config"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("credential",
	fx.Provide(func(cfg config.Config, clk clock.Clock, sessions sessiondomain.Service, invitations invitationdomain.Service, log *zap.Logger) *Authority {
		return NewAuthority(cfg.CredentialSecret, cfg.CredentialGrace, clk, sessions, invitations, log)
	}),
)
