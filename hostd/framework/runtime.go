package framework

import (
	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/scheduler"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/itskum47/hostforge/hostd/system"
	"go.uber.org/zap"
)

// Runtime is the application context handed to every component at init.
type Runtime struct {
	Store    store.Store
	Settings *config.Config
	Config   *config.Live
	Logger   *zap.Logger
	Messages *messages.Sink
	Queue    *scheduler.Queue
	Runner   system.Runner
	Fetcher  system.Fetcher
}
