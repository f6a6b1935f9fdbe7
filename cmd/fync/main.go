package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fync/internal/config"
	"fync/internal/diff"
	"fync/internal/merge"
	"fync/internal/progress"
	"fync/internal/session"
	"fync/internal/snapshot"
	"fync/internal/transport"
	"fync/internal/watch"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitUsage     = 2
	exitConflicts = 3
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type cliFlags struct {
	configPath string
	stateDir   string
	workers    int
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "fync",
		Short:         "Two-peer directory synchronizer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Usage()
			return &exitError{code: exitUsage}
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "fync.yaml", "config file path")
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "override the persisted state directory")
	root.PersistentFlags().IntVarP(&flags.workers, "workers", "w", 0, "hashing worker goroutines (default: CPU count)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.Usage()
		return &exitError{code: exitUsage, err: err}
	})

	root.AddCommand(
		newSyncCmd(flags),
		newSSHSyncCmd(flags),
		newRunStdioCmd(flags),
		newWatchCmd(flags),
	)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitFatal
}

// exactArgs is cobra.ExactArgs with the usage exit code attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			cmd.Usage()
			return &exitError{
				code: exitUsage,
				err:  fmt.Errorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args)),
			}
		}
		return nil
	}
}

func setup(flags *cliFlags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.stateDir != "" {
		cfg.StateDir = flags.stateDir
	}
	if flags.workers > 0 {
		cfg.Workers = flags.workers
	}

	level := zapcore.InfoLevel
	if flags.verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return cfg, zap.New(core), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSyncCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <source> <destination>",
		Short: "Synchronize two local directories",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			store := snapshot.NewStore(cfg.StateDir)
			meter := progress.NewMeter("hashing")
			src := session.Options{
				Root: args[0], Store: store, Workers: cfg.Workers,
				Log: log.Named("src"), Progress: meter.Observe,
			}
			dst := session.Options{
				Root: args[1], Store: store, Workers: cfg.Workers,
				Log: log.Named("dst"),
			}

			resSrc, resDst, err := session.RunLocalPair(ctx, src, dst)
			meter.Finish()
			if err != nil {
				return err
			}
			return report(resSrc, resDst)
		},
	}
}

func newSSHSyncCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-sync <local_root> <remote_host> <remote_root>",
		Short: "Synchronize a local directory with one on a remote host over ssh",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			conn, err := transport.SpawnRemote(ctx, cfg.SSHBinary, args[1], "fync", "run-stdio", args[2])
			if err != nil {
				return err
			}
			defer conn.Close()

			meter := progress.NewMeter("hashing")
			res, err := session.Run(ctx, conn, session.Options{
				Root: args[0], Store: snapshot.NewStore(cfg.StateDir),
				Workers: cfg.Workers, Log: log, Progress: meter.Observe,
			})
			meter.Finish()
			if err != nil {
				return err
			}
			return report(res)
		},
	}
}

func newRunStdioCmd(flags *cliFlags) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "run-stdio <root>",
		Short: "Serve one sync session on stdin/stdout",
		Long: "Serve one sync session on stdin/stdout. This is what ssh-sync execs " +
			"on the remote host; all logging goes to stderr so frames stay clean.",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			conn := transport.Stdio()
			defer conn.Close()

			res, err := session.Run(ctx, conn, session.Options{
				Root: args[0], Store: snapshot.NewStore(cfg.StateDir),
				Workers: cfg.Workers, ReadOnly: readOnly, Log: log,
			})
			if err != nil {
				return err
			}
			if len(res.Conflicts) > 0 {
				return &exitError{code: exitConflicts}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&readOnly, "output-only", "o", false, "send changes but never apply incoming ones")
	return cmd
}

func newWatchCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <directory>",
		Short: "Watch a directory and print change reports as it evolves",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			scanner := &snapshot.Scanner{Workers: cfg.Workers, Log: log}
			res, err := scanner.Scan(ctx, args[0], nil)
			if err != nil {
				return err
			}
			last := res.Snapshot
			fmt.Printf("Watching %s (%d entries)\n", last.Root(), last.Len())

			err = watch.Run(ctx, watch.Options{
				Root:     args[0],
				Debounce: cfg.WatchDebounce,
				Interval: cfg.WatchInterval,
				Log:      log,
			}, func(ctx context.Context) error {
				res, err := scanner.Scan(ctx, args[0], last)
				if err != nil {
					return err
				}
				cs := diff.Diff(last, res.Snapshot)
				if !cs.Empty() {
					fmt.Println(diff.FormatReport(cs))
				}
				last = res.Snapshot
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// report prints the per-peer outcome and maps unresolved conflicts to
// their exit code.
func report(results ...*session.Result) error {
	var conflicts []merge.Conflict
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.FilesSent > 0 || res.FilesReceived > 0 {
			fmt.Printf("✓ %d sent (%d bytes), %d received (%d bytes)\n",
				res.FilesSent, res.BytesSent, res.FilesReceived, res.BytesReceived)
		}
		for _, err := range res.ScanErrors {
			fmt.Fprintf(os.Stderr, "⚠ scan: %v\n", err)
		}
		for _, err := range res.ApplyErrors {
			fmt.Fprintf(os.Stderr, "⚠ apply: %v\n", err)
		}
		if len(res.Conflicts) > len(conflicts) {
			conflicts = res.Conflicts
		}
	}

	if len(results) > 0 && results[0] != nil &&
		results[0].FilesSent == 0 && results[0].FilesReceived == 0 && len(conflicts) == 0 {
		fmt.Println("✓ Already in sync")
	}

	if len(conflicts) > 0 {
		fmt.Printf("⚠ %d conflict(s), both copies left untouched:\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  %s (local %s, remote %s)\n", c.Path, c.Local.Op, c.Remote.Op)
		}
		return &exitError{code: exitConflicts}
	}
	return nil
}
