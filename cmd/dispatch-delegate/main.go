package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/api/client"
	"github.com/filecoin-project/dispatch/build"
	lcli "github.com/filecoin-project/dispatch/cli"
	"github.com/filecoin-project/dispatch/delegate"
	"github.com/filecoin-project/dispatch/lib/dispatchlog"
	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/node/config"
	"github.com/filecoin-project/dispatch/runner"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("main")

func main() {
	dispatchlog.SetupLogLevels()

	app := &cli.App{
		Name:                 "dispatch-delegate",
		Usage:                "Task dispatch worker",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"DISPATCH_DELEGATE_CONFIG"},
				Value:   "~/.dispatch/delegate.toml",
				Usage:   "path to the delegate config file",
			},
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
		Commands: []*cli.Command{
			runCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Warnf("%+v", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the delegate",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "manager",
			Usage: "override ManagerAddress",
		},
		&cli.StringSliceFlag{
			Name:  "capability",
			Usage: "extra capability to advertise, as name or name=value",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String("config"), config.DefaultDelegate())
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		if addr := cctx.String("manager"); addr != "" {
			cfg.ManagerAddress = addr
		}
		extra, err := lcli.ParseRequirements(cctx.StringSlice("capability"))
		if err != nil {
			return err
		}
		if len(extra) > 0 && cfg.Capabilities == nil {
			cfg.Capabilities = map[string]string{}
		}
		for _, c := range extra {
			cfg.Capabilities[c.Name] = c.Value
		}

		ctx, _ := tag.New(lcli.ReqContext(cctx),
			tag.Insert(metrics.Version, build.BuildVersion),
			tag.Insert(metrics.Commit, build.CurrentCommit),
			tag.Insert(metrics.NodeType, build.NodeDelegate.String()),
		)
		if err := view.Register(metrics.DelegateNodeViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}
		stats.Record(ctx, metrics.DispatchInfo.M(1))

		node, closer, err := client.NewDelegateRPC(ctx, cfg.ManagerAddress, http.Header{}, time.Duration(cfg.RequestTimeout))
		if err != nil {
			return xerrors.Errorf("connecting to manager: %w", err)
		}
		defer closer()

		v, err := node.Version(ctx)
		if err != nil {
			return xerrors.Errorf("getting manager version: %w", err)
		}
		want, err := build.VersionForType(build.NodeManager)
		if err != nil {
			return err
		}
		if !v.APIVersion.EqMajorMinor(want) {
			return xerrors.Errorf("manager API version mismatch: manager %s, expected %s", v.APIVersion, want)
		}
		if v.PayloadSchema < build.PayloadSchemaVersion {
			return xerrors.Errorf("manager payload schema %d is older than ours (%d)", v.PayloadSchema, build.PayloadSchemaVersion)
		}

		handlers := runner.DefaultHandlers()
		runners := runner.NewRegistry()
		runners.Register(taskiface.InfraLocal, runner.NewLocal(handlers))
		sandbox, err := runner.NewSandbox(handlers, cfg.SandboxPath)
		if err != nil {
			return xerrors.Errorf("setting up sandbox runner: %w", err)
		}
		runners.Register(taskiface.InfraSandbox, sandbox)

		log.Infow("connected to manager", "addr", cfg.ManagerAddress, "version", v.Version, "handlers", handlers.Types())

		return delegate.New(cfg, node, runners, nil).Run(ctx)
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage delegate config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default config",
			Action: func(cctx *cli.Context) error {
				b, err := config.ConfigComment(config.DefaultDelegate())
				if err != nil {
					return err
				}
				fmt.Print(string(b))
				return nil
			},
		},
	},
}
