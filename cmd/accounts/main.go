// Package main is the entrypoint for the accounts service.
// It serves password recovery and phone-verified registration over HTTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aelexs/wacrm/internal/config"
	"github.com/aelexs/wacrm/internal/server"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "accounts",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Accounts.HTTPPort },
		Setup:          setup,
	}, nil)
}
