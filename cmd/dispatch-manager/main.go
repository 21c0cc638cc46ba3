package main

import (
	"context"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/build"
	lcli "github.com/filecoin-project/dispatch/cli"
	"github.com/filecoin-project/dispatch/lib/dispatchlog"
	"github.com/filecoin-project/dispatch/manager"
	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/node/config"
)

var log = logging.Logger("main")

func main() {
	dispatchlog.SetupLogLevels()

	local := []*cli.Command{
		runCmd,
		configCmd,
	}

	app := &cli.App{
		Name:                 "dispatch-manager",
		Usage:                "Task dispatch control plane",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			lcli.FlagManagerAPI,
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.Bool("debug") {
				dispatchlog.SetDebug()
			}
			return nil
		},
		Commands: append(local, lcli.Commands...),
	}

	if err := app.Run(os.Args); err != nil {
		log.Warnf("%+v", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the manager",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			EnvVars: []string{"DISPATCH_MANAGER_CONFIG"},
			Value:   "~/.dispatch/manager.toml",
			Usage:   "path to the manager config file",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "override API.ListenAddress",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String("config"), config.DefaultManager())
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		if l := cctx.String("listen"); l != "" {
			cfg.API.ListenAddress = l
		}

		ctx, _ := tag.New(lcli.ReqContext(cctx),
			tag.Insert(metrics.Version, build.BuildVersion),
			tag.Insert(metrics.Commit, build.CurrentCommit),
			tag.Insert(metrics.NodeType, build.NodeManager.String()),
		)
		if err := view.Register(metrics.ManagerNodeViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}
		stats.Record(ctx, metrics.DispatchInfo.M(1))

		m, err := manager.Open(ctx, cfg)
		if err != nil {
			return xerrors.Errorf("opening manager: %w", err)
		}
		defer func() {
			if err := m.Close(); err != nil {
				log.Errorf("closing manager: %s", err)
			}
		}()

		log.Infow("manager starting", "version", build.UserVersion(), "listen", cfg.API.ListenAddress, "store", cfg.TaskStore.Backend)
		err = manager.ListenAndServe(ctx, m)
		if xerrors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage manager config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default config",
			Action: func(cctx *cli.Context) error {
				b, err := config.ConfigComment(config.DefaultManager())
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			},
		},
	},
}
