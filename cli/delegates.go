package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/taskiface"
)

var delegatesCmd = &cli.Command{
	Name:  "delegates",
	Usage: "List delegates known to the manager",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "live",
			Usage: "only show live delegates",
		},
	},
	Action: func(cctx *cli.Context) error {
		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ds, err := node.Delegates(ReqContext(cctx))
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "ID\tLIVE\tACCOUNT\tACTIVE\tCAPACITY\tLAST SEEN\tCAPABILITIES\n")
		for _, d := range ds {
			if cctx.Bool("live") && !d.Live {
				continue
			}
			_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%d\t%s\t%s\n",
				d.ID, d.Live, d.Account, d.ActiveTasks, d.Capacity,
				d.LastSeen.Format(time.RFC3339), formatCaps(d.Capabilities))
		}
		return tw.Flush()
	},
}

func formatCaps(caps map[string]string) string {
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if caps[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+caps[k])
	}
	return strings.Join(parts, ",")
}

var perpetualCmd = &cli.Command{
	Name:  "perpetual",
	Usage: "Manage perpetual tasks",
	Subcommands: []*cli.Command{
		perpetualCreateCmd,
		perpetualDeleteCmd,
		perpetualInfoCmd,
	},
}

var perpetualCreateCmd = &cli.Command{
	Name:      "create",
	Usage:     "Create a perpetual task",
	ArgsUsage: "<type> [context]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:     "interval",
			Usage:    "how often the assigned delegate runs the task",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "require",
			Usage: "capability the delegate must have, as name or name=value",
		},
		&cli.StringFlag{
			Name:  "account",
			Usage: "restrict the task to delegates of this account",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 1 {
			return xerrors.New("expected task type")
		}
		reqs, err := ParseRequirements(cctx.StringSlice("require"))
		if err != nil {
			return err
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := node.CreatePerpetualTask(ReqContext(cctx), api.PerpetualTaskRequest{
			SchemaVersion: build.PayloadSchemaVersion,
			Type:          cctx.Args().Get(0),
			Interval:      cctx.Duration("interval"),
			Context:       []byte(cctx.Args().Get(1)),
			Requirements:  reqs,
			Account:       cctx.String("account"),
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var perpetualDeleteCmd = &cli.Command{
	Name:      "delete",
	Usage:     "Delete a perpetual task",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected perpetual task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return node.DeletePerpetualTask(ReqContext(cctx), taskiface.PerpetualTaskID(cctx.Args().First()))
	},
}

var perpetualInfoCmd = &cli.Command{
	Name:      "info",
	Usage:     "Show a perpetual task and its assignment",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected perpetual task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		pt, err := node.PerpetualTaskContext(ReqContext(cctx), taskiface.PerpetualTaskID(cctx.Args().First()))
		if err != nil {
			return err
		}

		fmt.Printf("ID:         %s\n", pt.ID)
		fmt.Printf("Type:       %s\n", pt.Type)
		fmt.Printf("Interval:   %s\n", pt.Interval)
		fmt.Printf("AssignedTo: %s\n", pt.AssignedTo)
		if !pt.LastRun.IsZero() {
			fmt.Printf("LastRun:    %s\n", pt.LastRun.Format(time.RFC3339))
		}
		return nil
	},
}
