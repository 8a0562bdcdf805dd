/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"sort"

	"github.com/gravitational/trace"
	"github.com/jrivets/log4g"
	"github.com/logrange/logrange/pkg/utils"
	ucli "gopkg.in/urfave/cli.v2"
)

const (
	Version = "0.1.0"
)

const (
	argCfgFile    = "config-file"
	argLogCfgFile = "log-config-file"

	argAPIListenAddr = "api-listen-addr"
	argFormat        = "format"
	argOut           = "out"
	argDir           = "dir"
	argPrefix        = "prefix"
	argMaxSize       = "max-size"
	argPartSize      = "part-size"
)

var (
	cfg    = NewDefaultConfig()
	logger = log4g.GetLogger("membuf")
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	defer log4g.Shutdown()

	app := &ucli.App{
		Name:    "membuf",
		Version: Version,
		Usage:   "In-memory archive tool and buffer server",
		Commands: []*ucli.Command{
			{
				Name:      "pack",
				Usage:     "Pack files and directories into an archive built in memory",
				ArgsUsage: "PATH...",
				Action:    runPack,
				Flags:     withCommonFlags(formatFlag(), outFlag(), maxSizeFlag()),
			},
			{
				Name:      "split",
				Usage:     "Split stdin into entries of an archive built in memory",
				Action:    runSplit,
				Flags: withCommonFlags(formatFlag(), outFlag(), maxSizeFlag(),
					&ucli.StringFlag{
						Name:  argPrefix,
						Value: "messages",
						Usage: "entry name prefix",
					},
					&ucli.StringFlag{
						Name:  argPartSize,
						Usage: "maximum entry size, e.g. 10MiB",
					},
				),
			},
			{
				Name:      "join",
				Usage:     "Restore a stream split into archive entries",
				ArgsUsage: "FILE",
				Action:    runJoin,
				Flags: withCommonFlags(formatFlag(), outFlag(), maxSizeFlag(),
					&ucli.StringFlag{
						Name:  argPrefix,
						Value: "messages",
						Usage: "entry name prefix",
					},
				),
			},
			{
				Name:      "list",
				Usage:     "List the files of an archive",
				ArgsUsage: "FILE",
				Action:    runList,
				Flags:     withCommonFlags(formatFlag(), maxSizeFlag()),
			},
			{
				Name:      "extract",
				Usage:     "Extract the files of an archive",
				ArgsUsage: "FILE",
				Action:    runExtract,
				Flags: withCommonFlags(formatFlag(), maxSizeFlag(),
					&ucli.StringFlag{
						Name:  argDir,
						Value: ".",
						Usage: "destination directory",
					},
				),
			},
			{
				Name:   "serve",
				Usage:  "Run the buffer API server",
				Action: runServe,
				Flags: withCommonFlags(maxSizeFlag(),
					&ucli.StringFlag{
						Name:  argAPIListenAddr,
						Usage: "api listen address",
					},
				),
			},
		},
	}

	for _, cmd := range app.Commands {
		sort.Sort(ucli.FlagsByName(cmd.Flags))
	}
	if err := app.Run(args); err != nil {
		logger.Error(err)
		logger.Debug(trace.DebugReport(err))
		return 1
	}
	return 0
}

func withCommonFlags(flags ...ucli.Flag) []ucli.Flag {
	return append(flags,
		&ucli.StringFlag{
			Name:  argCfgFile,
			Usage: "configuration file path",
		},
		&ucli.StringFlag{
			Name:  argLogCfgFile,
			Usage: "log4g configuration file path",
		},
	)
}

func formatFlag() ucli.Flag {
	return &ucli.StringFlag{
		Name:  argFormat,
		Usage: "archive format: tar, tar.gz, tar.zst, tar.lz4 or zip",
	}
}

func outFlag() ucli.Flag {
	return &ucli.StringFlag{
		Name:  argOut,
		Usage: "output file, stdout when omitted",
	}
}

func maxSizeFlag() ucli.Flag {
	return &ucli.StringFlag{
		Name:  argMaxSize,
		Usage: "maximum size of one in-memory buffer, e.g. 64MiB",
	}
}

func initCfg(c *ucli.Context) error {
	var (
		err error
	)

	logCfgFile := c.String(argLogCfgFile)
	if logCfgFile != "" {
		err = log4g.ConfigF(logCfgFile)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	cfgFile := c.String(argCfgFile)
	if cfgFile != "" {
		logger.Info("Loading config from=", cfgFile)
		config, err := LoadCfgFromFile(cfgFile)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Merge(config)
	}

	if err = applyArgsToCfg(c, cfg); err != nil {
		return trace.Wrap(err)
	}
	return cfg.Check()
}

func applyArgsToCfg(c *ucli.Context, cfg *Config) error {
	if aa := c.String(argAPIListenAddr); aa != "" {
		cfg.Server.ApiListenAddr = aa
	}
	if f := c.String(argFormat); f != "" {
		cfg.Archive.Format = f
	}
	if ps := c.String(argPartSize); ps != "" {
		cfg.Archive.PartSize = ps
	}
	if ms := c.String(argMaxSize); ms != "" {
		size, err := parseSize(ms)
		if err != nil {
			return trace.Wrap(err)
		}
		cfg.Buffer.MaxSize = size
	}
	return nil
}

func newCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	utils.NewNotifierOnIntTermSignal(func(s os.Signal) {
		logger.Warn("Handling signal=", s)
		cancel()
	})
	return ctx
}

//===================== serve =====================

func runServe(c *ucli.Context) error {
	err := initCfg(c)
	if err != nil {
		return err
	}
	return Run(newCtx(), *cfg)
}
