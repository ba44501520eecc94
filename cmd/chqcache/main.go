// Copyright 2024-2025 CardinalHQ, Inc
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

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chqcache:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := &cli.App{}
	app.Name = "chqcache"
	app.Usage = "Inspect and manage a journaled file cache directory"
	app.UsageText = "chqcache [global options] command [command options] [arguments...]"
	app.Version = version
	app.Flags = globalFlags()
	app.Commands = commands()
	return app
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"CHQCACHE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "cache directory, overrides the configuration file",
			EnvVars: []string{"CHQCACHE_DIR"},
		},
		&cli.Int64Flag{
			Name:  "max-size",
			Usage: "size bound in bytes, overrides the configuration file",
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "eviction strategy: LRU, MRU, FIFO or FILO",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level",
		},
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "inspect",
			Usage:  "Show what the journal records without modifying the cache",
			Action: inspect,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "keys", Usage: "list clean and dirty keys"},
			},
		},
		{
			Name:   "compact",
			Usage:  "Rewrite the journal without redundant records",
			Action: compact,
		},
		{
			Name:      "put",
			Usage:     "Copy a file into the cache under a key",
			ArgsUsage: "KEY FILE",
			Action:    put,
		},
		{
			Name:      "get",
			Usage:     "Print the path of the cached file for a key",
			ArgsUsage: "KEY",
			Action:    get,
		},
		{
			Name:      "rm",
			Usage:     "Remove a key from the cache",
			ArgsUsage: "KEY",
			Action:    remove,
		},
		{
			Name:   "clear",
			Usage:  "Remove every entry from the cache",
			Action: clearCache,
		},
	}
}
