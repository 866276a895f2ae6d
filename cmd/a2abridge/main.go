// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command a2abridge serves legacy A2A JSON-RPC clients from a session-based
// agent backend.
//
// Usage:
//
//	a2abridge serve --config bridge.yaml
//	a2abridge validate --config bridge.yaml
//	a2abridge card https://agent.example.com
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/a2abridge"
	"github.com/kadirpekel/a2abridge/pkg/config"
	"github.com/kadirpekel/a2abridge/pkg/config/provider"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the bridge."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration."`
	Schema   SchemaCmd   `cmd:"" help:"Print the JSON Schema of the configuration."`
	Card     CardCmd     `cmd:"" help:"Resolve and print a remote agent card."`
	Token    TokenCmd    `cmd:"" help:"Fetch a downstream credential and print its expiry."`

	Config          string   `short:"c" help:"Path to config file, or the key of a remote config." default:"a2abridge.yaml"`
	ConfigType      string   `name:"config-type" help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of a remote config store." sep:","`
	LogLevel        string   `help:"Log level (debug, info, warn, error)."`
	LogFile         string   `help:"Log file path (empty = stderr)."`
	LogFormat       string   `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(a2abridge.GetVersion())
	return nil
}

// loadConfig reads the configuration from the source selected on the
// command line. The returned loader is nil only on error.
func (cli *CLI) loadConfig(ctx context.Context) (*config.Config, *config.Loader, error) {
	typ, err := provider.ParseType(cli.ConfigType)
	if err != nil {
		return nil, nil, err
	}
	if typ == provider.TypeFile {
		if _, err := os.Stat(cli.Config); err != nil {
			return nil, nil, fmt.Errorf("config file %s: %w", cli.Config, err)
		}
		return config.LoadConfigFile(ctx, cli.Config)
	}
	if len(cli.ConfigEndpoints) == 0 {
		return nil, nil, fmt.Errorf("--config-endpoints is required for %s configs", typ)
	}
	return config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
	})
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("a2abridge"),
		kong.Description("Bridge between legacy A2A JSON-RPC clients and a session-based agent backend."),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := kctx.Run(cli); err != nil {
		slog.Error("Command failed", "command", strings.Fields(kctx.Command())[0], "error", err)
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}
}
