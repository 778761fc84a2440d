package invitation

import (
	"github.com/skillgate/skillgate/internal/invitation/repository"
	"github.com/skillgate/skillgate/internal/invitation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invitation",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
