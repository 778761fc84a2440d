package monitor

import (
	"github.com/skillgate/skillgate/internal/clock"
	"github.com/skillgate/skillgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("monitor",
	fx.Provide(NewService),
	fx.Provide(func(svc *Service, clk clock.Clock, log *zap.Logger, cfg config.Config) *Hub {
		return NewHub(svc.Snapshot, clk, log, cfg.MonitorExamInterval, cfg.MonitorGlobalInterval)
	}),
)
