// Command stageflow routes a request through the staged workflow engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stageflow/pkg/logx"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	logx.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
