package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock access so lifecycle code can be tested with a
// fake clock.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
