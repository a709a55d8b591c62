package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/askiada/go-actions-cache/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := app.Run(os.Args[1:], app.Dependencies{Context: ctx})
	stop()

	os.Exit(code)
}
