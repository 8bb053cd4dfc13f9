package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"waterfeed/pkg/engine"

	"github.com/alecthomas/kong"
)

var version = "dev"

// CLI is the waterfeed command line.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`
	Up      UpCmd            `cmd:"" help:"Start the waterfeed engine."`
	Down    DownCmd          `cmd:"" help:"Stop the waterfeed engine started with the same config."`
	Init    InitCmd          `cmd:"" help:"Write a starter config file."`
	Warm    WarmCmd          `cmd:"" help:"Fetch every source URL into the caches and exit."`
}

type ConfigFlag struct {
	Config string `help:"Path to waterfeed config YAML file." default:"waterfeed.config.yaml" type:"path"`
}

// existing resolves the config path and fails when the file is missing.
func (c ConfigFlag) existing() (string, error) {
	absPath, err := filepath.Abs(c.Config)
	if err != nil {
		return "", fmt.Errorf("unable to resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file not found: %s", absPath)
	}
	return absPath, nil
}

type UpCmd struct {
	ConfigFlag
}

func (c *UpCmd) Run() error {
	path, err := c.existing()
	if err != nil {
		return err
	}
	e, err := engine.InstantiateWaterfeedEngine(path)
	if err != nil {
		return err
	}
	return e.Run()
}

type DownCmd struct {
	ConfigFlag
}

func (c *DownCmd) Run() error {
	path, err := c.existing()
	if err != nil {
		return err
	}
	if err := engine.KillWaterfeed(path); err != nil {
		return fmt.Errorf("unable to kill the waterfeed engine at %s: %w", path, err)
	}
	fmt.Printf("Shut down waterfeed engine at %s\n", path)
	return nil
}

type InitCmd struct {
	Config string `help:"Where to write the config." default:"waterfeed.config.yaml" type:"path"`
	Force  bool   `help:"Overwrite an existing file."`
}

func (c *InitCmd) Run() error {
	if _, err := os.Stat(c.Config); err == nil && !c.Force {
		return fmt.Errorf("%s already exists; use --force to overwrite", c.Config)
	}
	if err := engine.InitConfig(c.Config); err != nil {
		return err
	}
	fmt.Printf("Wrote config to %s\n", c.Config)
	return nil
}

type WarmCmd struct {
	ConfigFlag
}

func (c *WarmCmd) Run() error {
	path, err := c.existing()
	if err != nil {
		return err
	}
	e, err := engine.InstantiateWaterfeedEngine(path)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := e.Warm(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Warmed %d/%d URLs\n", report.Resolved, report.Total)
	for _, url := range report.FailedURLs() {
		fmt.Printf("  failed %s: %s\n", url, report.Failed[url])
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d URLs failed", len(report.Failed))
	}
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("waterfeed"),
		kong.Description("Multi-column image feed with memory and durable caches."),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
