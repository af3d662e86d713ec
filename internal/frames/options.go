package frames

import (
	"time"

	"go.uber.org/zap"
)

// DefaultUtilityWorldName is the isolated world used for internal tooling.
const DefaultUtilityWorldName = "__framekeeper_utility_world__"

// Options tune a Manager.
type Options struct {
	// SwapGracePeriod is how long a disconnected main frame is kept waiting
	// for an activation swap before it is torn down.
	SwapGracePeriod time.Duration
	// FrameWaitTimeout bounds how long an event may wait for the frame it
	// refers to.
	FrameWaitTimeout time.Duration
	// CommandTimeout bounds evaluations and binding handlers. Zero disables it.
	CommandTimeout time.Duration
	// UtilityWorldName names the isolated world.
	UtilityWorldName string
	// LifecycleLogLimit bounds the per-frame lifecycle log.
	LifecycleLogLimit int
	// AutoAttach asks the browser to attach out-of-process frame targets.
	AutoAttach bool

	Logger *zap.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		SwapGracePeriod:   100 * time.Millisecond,
		FrameWaitTimeout:  5 * time.Second,
		CommandTimeout:    30 * time.Second,
		UtilityWorldName:  DefaultUtilityWorldName,
		LifecycleLogLimit: 32,
		AutoAttach:        true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SwapGracePeriod <= 0 {
		o.SwapGracePeriod = d.SwapGracePeriod
	}
	if o.FrameWaitTimeout <= 0 {
		o.FrameWaitTimeout = d.FrameWaitTimeout
	}
	if o.CommandTimeout < 0 {
		o.CommandTimeout = 0
	}
	if o.UtilityWorldName == "" {
		o.UtilityWorldName = d.UtilityWorldName
	}
	if o.LifecycleLogLimit <= 0 {
		o.LifecycleLogLimit = d.LifecycleLogLimit
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
