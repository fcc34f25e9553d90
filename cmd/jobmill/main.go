package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobmill/internal/app"
	"jobmill/modules/echo"
	"jobmill/modules/pager"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Builtin modules: register factory + catalog record before Start so
	// resumed jobs can resolve them.
	if err := a.RegisterBuiltin(ctx, echo.Manifest(), echo.Factory()); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.RegisterBuiltin(ctx, pager.Manifest(), pager.Factory()); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case err := <-a.Err():
		if err != nil {
			fmt.Println("fatal serve:", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
