package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/ce-fello/appraisal-service/src/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.RootCmd(cli.NewPostgresBackend()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
