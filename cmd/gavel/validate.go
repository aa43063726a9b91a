package main

import (
	"context"
	"fmt"

	"github.com/petitionlabs/gavel/pkg/config"
	"github.com/petitionlabs/gavel/pkg/config/provider"
)

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}
	p, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return err
	}
	cfg, err := config.NewLoader(p).Load(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s: configuration valid (%d model providers, state backend %s)\n",
		cli.Config, len(cfg.Routing.Providers), cfg.State.Backend)
	return nil
}
