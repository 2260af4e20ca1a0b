// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command hive hosts configured agents behind supervised agent servers.
//
// Usage:
//
//	hive serve --config hive.yaml
//	hive chat coder --config hive.yaml
//	hive validate --config hive.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/hive/pkg/config"
	"github.com/kadirpekel/hive/pkg/config/provider"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Host the configured agents."`
	Chat     ChatCmd     `cmd:"" help:"Chat with one configured agent."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration."`

	Config       string   `short:"c" help:"Path to config file." default:"hive.yaml" type:"path"`
	ConfigSource string   `help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	Endpoints    []string `help:"Remote config source endpoints."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("hive version %s\n", version)
	return nil
}

// ValidateCmd parses and validates the config, reporting the first error.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfig(context.Background(), cli, nil)
	if err != nil {
		return err
	}
	defer loader.Close()

	fmt.Printf("config valid: %d llms, %d agents, %d mcp servers\n",
		len(cfg.LLMs), len(cfg.Agents), len(cfg.MCPServers))
	return nil
}

// loadConfig builds a provider from the shared flags and loads the config
// through it. The caller owns the returned loader.
func loadConfig(ctx context.Context, cli *CLI, onChange func(*config.Config)) (*config.Config, *config.Loader, error) {
	srcType, err := provider.ParseType(cli.ConfigSource)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.New(provider.Options{
		Type:      srcType,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
	})
	if err != nil {
		return nil, nil, err
	}

	var opts []config.LoaderOption
	if onChange != nil {
		opts = append(opts, config.WithOnChange(onChange))
	}
	loader := config.NewLoader(p, opts...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// setupLogging installs the process logger per config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("hive"),
		kong.Description("hive - hierarchical agent runtime"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
