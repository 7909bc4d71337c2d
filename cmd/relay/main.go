// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command relay serves agents, routes delegated tasks between them and runs
// fan-out checks.
//
// Usage:
//
//	relay serve --config relay.yaml
//	relay validate --config relay.yaml --profile prod
//	relay invoke spiffe://relay.local/agent/iam-adk/dev/us-central1/0.1.0 iam_adk.check_adk_compliance --input '{"target":"agent.py"}'
//	relay fanout iam_adk.check_adk_compliance <target>... --input '{"target":"agent.py"}'
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/telemetry"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the gateway and serve the configured agents."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and agent cards."`
	Cards    CardsCmd    `cmd:"" help:"Print the agent cards this process publishes."`
	Invoke   InvokeCmd   `cmd:"" help:"Call one skill through the routing adapter."`
	Fanout   FanoutCmd   `cmd:"" help:"Run one task against several targets."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string   `short:"c" help:"Path to config file." type:"path"`
	Profile   string   `short:"p" help:"Profile overlay loaded next to the config file."`
	Set       []string `help:"Override a configuration key (key=value). Repeatable." placeholder:"KEY=VALUE"`
	LogLevel  string   `help:"Log level (debug, info, warn, error)."`
	LogFormat string   `help:"Log format (text, json)."`
	EnvFile   string   `help:"Dotenv file loaded before the configuration." default:".env"`

	stdout io.Writer `kong:"-"`
	stderr io.Writer `kong:"-"`
}

func main() {
	cli := CLI{stdout: os.Stdout, stderr: os.Stderr}
	ctx := kong.Parse(&cli,
		kong.Name("relay"),
		kong.Description("Agent-to-agent task delegation gateway."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func (c *CLI) overrides() []string {
	out := append([]string(nil), c.Set...)
	if c.LogLevel != "" {
		out = append(out, "log.level="+c.LogLevel)
	}
	if c.LogFormat != "" {
		out = append(out, "log.format="+c.LogFormat)
	}
	return out
}

// setup loads the dotenv file and the configuration, and installs the
// process logger.
func (c *CLI) setup() (*config.Config, *slog.Logger, error) {
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load %s: %w", c.EnvFile, err)
		}
	}
	cfg, err := config.LoadWithOverrides(c.Config, c.Profile, c.overrides())
	if err != nil {
		return nil, nil, err
	}
	logger := telemetry.ConfigureSlog(c.errWriter(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (c *CLI) outWriter() io.Writer {
	if c.stdout == nil {
		return os.Stdout
	}
	return c.stdout
}

func (c *CLI) errWriter() io.Writer {
	if c.stderr == nil {
		return os.Stderr
	}
	return c.stderr
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (v *VersionCmd) Run(cli *CLI) error {
	fmt.Fprintf(cli.outWriter(), "relay %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
