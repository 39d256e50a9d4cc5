package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Run starts module, blocks until SIGINT or SIGTERM and returns the process
// exit code.
func Run(name string, module fx.Option) int {
	a := fx.New(module)

	startCtx, cancel := context.WithTimeout(context.Background(), DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		// the app logger may not exist yet
		zap.NewExample().Sugar().Errorw("failed to start", "app", name, "error", err)
		return 1
	}

	sig := <-a.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		zap.NewExample().Sugar().Errorw("failed to stop", "app", name, "error", err)
		return 1
	}
	return sig.ExitCode
}
