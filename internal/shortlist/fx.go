package shortlist

import (
	"github.com/skillgate/skillgate/internal/shortlist/service"
	"go.uber.org/fx"
)

var Module = fx.Module("shortlist",
	fx.Provide(service.NewRankProvider),
	fx.Provide(service.New),
)
