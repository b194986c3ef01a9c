package hub

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chatmesh/config"
	"github.com/chatmesh/database"
)

// RunMain opens the store, starts a hub for the configured user and runs
// it until interrupted.
func RunMain(conf *config.Config, logger *log.Logger) error {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if conf.Node.UserID == 0 {
		return fmt.Errorf("%w: node.user_id is required", config.ErrInvalidConfig)
	}
	if err := conf.EnsureDirs(); err != nil {
		return err
	}

	engine, err := database.InitDb(conf.Database.Driver, conf.Database.Source)
	if err != nil {
		return err
	}
	store, err := database.NewDbStore(engine)
	if err != nil {
		engine.Close()
		return err
	}
	defer store.Close()

	hub, err := NewHub(NewConfig(conf, store, logger))
	if err != nil {
		return err
	}

	// listen sys.exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hub.Start(ctx); err != nil {
		return err
	}
	return hub.Run(ctx)
}
