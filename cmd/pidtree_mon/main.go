//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/pidtree_mon/internal/buildinfo"
	"github.com/ja7ad/pidtree_mon/pkg/daemon"
	"github.com/ja7ad/pidtree_mon/pkg/format"
	"github.com/ja7ad/pidtree_mon/pkg/procfs"
	"github.com/ja7ad/pidtree_mon/pkg/rendezvous"
)

// tickInterval is the daemon's sampling cadence.
const tickInterval = time.Second

// daemonRoleFlag re-execs the binary into its background sampling mode; it
// is how a client starts a daemon that isn't running yet. It is not meant
// to be typed by a human, so it stays out of --help.
const daemonRoleFlag = "daemon-role"

// errConfig marks an error as a malformed invocation (bad flag, bad PID,
// missing argument) so main can print usage alongside it, rather than the
// bare message it gives every other failure kind.
var errConfig = errors.New("invalid arguments")

type opts struct {
	timeout    float64
	fields     []string
	separator  string
	daemonRole bool
	version    bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "pidtree_mon PID [PID...]",
		Short: "Per-subtree CPU utilization monitor",
		Long: `pidtree_mon reports per-subtree CPU utilization for one or more root PIDs.
It attaches to a per-user background daemon, starting one on first use, that
samples /proc on a roughly one-second cadence and amortizes that sampling
across every attached client.

Examples:
  pidtree_mon 1234
  pidtree_mon -t 30 -f sum:.2 -f all_loads:.2 -s , 1 42 99`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if o.version || o.daemonRole {
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("%w: at least one root PID is required", errConfig)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.version {
				fmt.Fprint(os.Stdout, buildinfo.Banner())
				return nil
			}
			if o.daemonRole {
				return runDaemon(cmd.Context())
			}
			return runClient(cmd.Context(), o, args)
		},
	}

	root.Flags().Float64VarP(&o.timeout, "timeout", "t", 0, "exit after this many seconds (0 = run until disconnected)")
	root.Flags().StringArrayVarP(&o.fields, "field", "f", nil, "field to emit per tick, repeatable (default: sum, all_loads)")
	root.Flags().StringVarP(&o.separator, "separator", "s", " ", "separator between fields on each output line")
	root.Flags().BoolVarP(&o.version, "version", "V", false, "print version and exit")
	root.Flags().BoolVar(&o.daemonRole, daemonRoleFlag, false, "internal: run as the background sampling daemon")
	_ = root.Flags().MarkHidden(daemonRoleFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errConfig) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, root.UsageString())
			os.Exit(1)
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runClient(ctx context.Context, o opts, args []string) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.timeout*float64(time.Second)))
		defer cancel()
	}

	roots, err := parsePIDs(args)
	if err != nil {
		return err
	}
	fields, err := parseFields(o.fields)
	if err != nil {
		return err
	}

	spawn := daemon.DefaultSpawn("--" + daemonRoleFlag)

	c, err := daemon.NewClient(rendezvous.Path(), roots, spawn, slog.Default())
	if err != nil {
		return err
	}

	conn, cpuCount, err := c.Attach(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The caller's own -t timeout or a signal fired before a daemon
			// was ever reached: a clean exit, not a failure to attach.
			return nil
		}
		return err
	}
	defer conn.Close()

	return c.Watch(ctx, conn, cpuCount, fields, o.separator, 0, os.Stdout)
}

func runDaemon(ctx context.Context) error {
	reader := procfs.NewLinuxReader()

	ln, err := rendezvous.Listen(rendezvous.Path())
	if err != nil {
		if errors.Is(err, rendezvous.ErrInUse) {
			// Another daemon already won the bind race; nothing to do.
			return nil
		}
		return err
	}

	d := daemon.New(ln, reader, tickInterval, slog.Default())
	return d.Run(ctx)
}

func parsePIDs(args []string) ([]procfs.PID, error) {
	out := make([]procfs.PID, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(a, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid root PID %q", errConfig, a)
		}
		out = append(out, procfs.PID(n))
	}
	return out, nil
}

func parseFields(specs []string) ([]format.Field, error) {
	if len(specs) == 0 {
		specs = []string{"sum", "all_loads"}
	}
	out := make([]format.Field, 0, len(specs))
	for _, spec := range specs {
		f, err := format.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", errConfig, spec, err)
		}
		out = append(out, f)
	}
	return out, nil
}
