package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/taskiface"
)

// ParseRequirements turns name or name=value strings into requirements.
func ParseRequirements(in []string) ([]taskiface.Requirement, error) {
	out := make([]taskiface.Requirement, 0, len(in))
	for _, s := range in {
		name, value, _ := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, xerrors.Errorf("empty capability name in %q", s)
		}
		out = append(out, taskiface.Requirement{Name: name, Value: strings.TrimSpace(value)})
	}
	return out, nil
}

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a task and print its id",
	ArgsUsage: "<type> [params]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "require",
			Usage: "capability the delegate must have, as name or name=value",
		},
		&cli.StringFlag{
			Name:  "infra",
			Usage: "infrastructure to run on (local, sandbox)",
			Value: taskiface.InfraLocal,
		},
		&cli.StringFlag{
			Name:  "account",
			Usage: "restrict the task to delegates of this account",
		},
		&cli.StringFlag{
			Name:  "group",
			Usage: "restrict the task to delegates in this group",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "task expiry relative to now; 0 uses the manager default",
		},
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "wait for the result after submitting",
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
		ctx := ReqContext(cctx)

		id, err := node.SubmitTask(ctx, api.TaskRequest{
			SchemaVersion:  build.PayloadSchemaVersion,
			Type:           cctx.Args().Get(0),
			Params:         []byte(cctx.Args().Get(1)),
			Requirements:   reqs,
			Infrastructure: cctx.String("infra"),
			Account:        cctx.String("account"),
			DelegateGroup:  cctx.String("group"),
			Timeout:        cctx.Duration("timeout"),
		})
		if err != nil {
			return xerrors.Errorf("submitting task: %w", err)
		}
		fmt.Println(id)

		if !cctx.Bool("wait") {
			return nil
		}
		res, err := node.AwaitTask(ctx, id, 0)
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

var awaitCmd = &cli.Command{
	Name:      "await",
	Usage:     "Wait for a task's result",
	ArgsUsage: "<task id>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait; 0 uses the manager default",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		res, err := node.AwaitTask(ReqContext(cctx), taskiface.TaskID(cctx.Args().First()), cctx.Duration("timeout"))
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

func printResult(res taskiface.TaskResult) error {
	fmt.Printf("Status: %s\n", res.Status)
	if len(res.Payload) > 0 {
		fmt.Printf("Result: %s\n", res.Payload)
	}
	if res.FailureReason != "" {
		fmt.Printf("Reason: %s\n", res.FailureReason)
	}
	return res.Err()
}

var abortCmd = &cli.Command{
	Name:      "abort",
	Usage:     "Abort a task, or ask its delegate to stop it",
	ArgsUsage: "<task id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ok, err := node.AbortTask(ReqContext(cctx), taskiface.TaskID(cctx.Args().First()))
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.New("task already finished")
		}
		fmt.Println("abort requested")
		return nil
	},
}

var infoCmd = &cli.Command{
	Name:      "info",
	Usage:     "Print the full task record",
	ArgsUsage: "<task id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		t, err := node.TaskInfo(ReqContext(cctx), taskiface.TaskID(cctx.Args().First()))
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

var selectionLogCmd = &cli.Command{
	Name:      "selection-log",
	Usage:     "Show why delegates were or were not matched to a task",
	ArgsUsage: "<task id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected task id")
		}

		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		entries, err := node.SelectionLog(ReqContext(cctx), taskiface.TaskID(cctx.Args().First()))
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "TIME\tDELEGATE\tMATCHED\tREASON\n")
		for _, e := range entries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", e.At.Format(time.RFC3339), e.Delegate, e.Matched, e.Reason)
		}
		return tw.Flush()
	},
}

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print the manager and local versions",
	Action: func(cctx *cli.Context) error {
		node, closer, err := GetDispatchAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		v, err := node.Version(ReqContext(cctx))
		if err != nil {
			return err
		}
		fmt.Printf("Manager: %s (api %s, payload schema %d)\n", v.Version, v.APIVersion, v.PayloadSchema)
		fmt.Printf("Local: %s\n", build.UserVersion())
		return nil
	},
}
