package result

import (
	"github.com/skillgate/skillgate/internal/result/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("result",
	fx.Provide(repository.Provide),
)
