package session

import (
	"github.com/skillgate/skillgate/internal/session/repository"
	"github.com/skillgate/skillgate/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
