package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorone/mobilesync/pkg/cli"
	"github.com/conductorone/mobilesync/pkg/profiling"
	"github.com/conductorone/mobilesync/pkg/sync"
	"github.com/conductorone/mobilesync/pkg/sync/target"
	"github.com/conductorone/mobilesync/pkg/syncconfig"
)

type runtimeKey struct{}

func runtimeFrom(ctx context.Context) *cli.Runtime {
	rt, _ := ctx.Value(runtimeKey{}).(*cli.Runtime)
	return rt
}

func managerFrom(cmd *cobra.Command) (*sync.Manager, error) {
	rt := runtimeFrom(cmd.Context())
	if rt == nil {
		return nil, errors.New("mobilesync: command ran without a runtime")
	}
	return rt.Manager(cmd.Context())
}

func rootCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:           "mobilesync",
		Short:         "mobilesync keeps a local sqlite store in sync with an org",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, err := cli.InitLogger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			ctx, shutdown, err := cli.InitOtel(ctx, cfg, version)
			if err != nil {
				return err
			}
			rt := cli.NewRuntime(cfg)
			rt.OnClose(shutdown)

			profiler := profiling.New(cfg.ProfilingConfig(cmd.Name()))
			if err := profiler.Start(ctx); err != nil {
				_ = rt.Close()
				return err
			}
			rt.OnClose(func(context.Context) error { return profiler.Stop(ctx) })
			ctx = context.WithValue(ctx, runtimeKey{}, rt)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rt := runtimeFrom(cmd.Context()); rt != nil {
				return rt.Close()
			}
			return nil
		},
	}
	if err := cli.AddFlags(cmd); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		setupCmd(),
		syncDownCmd(),
		syncUpCmd(),
		reSyncCmd(),
		restartCmd(),
		statusCmd(),
		listCmd(),
		deleteCmd(),
		cleanGhostsCmd(),
		runAllCmd(),
	)
	return cmd, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(cmd *cobra.Command, st *sync.SyncState) error {
	doc, err := st.AsJSON()
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), doc)
}

// lookup resolves a sync given by id or by name.
func lookup(ctx context.Context, m *sync.Manager, arg string) (*sync.SyncState, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return m.GetSyncStatus(ctx, id)
	}
	return m.GetSyncStatusByName(ctx, arg)
}

// progressLogger reports sync progress at debug level, the engine already logs a summary.
func progressLogger(ctx context.Context) sync.Callback {
	l := ctxzap.Extract(ctx)
	return func(s *sync.SyncState) {
		l.Debug("sync progress",
			zap.Int64("sync_id", s.ID),
			zap.String("status", string(s.Status)),
			zap.Int("progress", s.Progress),
			zap.Int("total_size", s.TotalSize),
		)
	}
}

func parseTarget(raw string) (map[string]any, error) {
	desc := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, fmt.Errorf("invalid target descriptor: %w", err)
	}
	return desc, nil
}

type createFlags struct {
	soup      string
	name      string
	target    string
	mergeMode string
	fields    []string
}

func (f *createFlags) register(cmd *cobra.Command, defaultTarget string) {
	cmd.Flags().StringVar(&f.soup, "soup", "", "Soup the sync reads or writes")
	cmd.Flags().StringVar(&f.name, "name", "", "Optional unique sync name")
	cmd.Flags().StringVar(&f.target, "target", defaultTarget, "Target descriptor as JSON")
	cmd.Flags().StringVar(&f.mergeMode, "merge-mode", string(target.MergeModeOverwrite), "OVERWRITE, LEAVE_IF_CHANGED or SYNC_DOWN_ONLY")
	cmd.Flags().StringSliceVar(&f.fields, "fieldlist", nil, "Fields sync up sends when the target has no field list")
	_ = cmd.MarkFlagRequired("soup")
}

func (f *createFlags) options() sync.Options {
	return sync.NewOptions(target.MergeMode(f.mergeMode), f.fields...)
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the syncs of the syncs-file that do not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(cmd)
			if err != nil {
				return err
			}
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			n, err := syncconfig.Setup(cmd.Context(), m, defs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"created": n, "defined": len(defs.Syncs)})
		},
	}
}

func loadDefinitions(cmd *cobra.Command) (*syncconfig.Config, error) {
	path := runtimeFrom(cmd.Context()).Config().SyncsFile
	if path == "" {
		return nil, errors.New("syncs-file is required")
	}
	return syncconfig.Load(path)
}

func syncDownCmd() *cobra.Command {
	f := &createFlags{}
	cmd := &cobra.Command{
		Use:   "sync-down",
		Short: "Create a sync down and run it",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			desc, err := parseTarget(f.target)
			if err != nil {
				return err
			}
			tgt, err := m.Registry().DownFromJSON(desc)
			if err != nil {
				return err
			}
			st, err := m.SyncDown(cmd.Context(), tgt, f.options(), f.soup, f.name, progressLogger(cmd.Context()))
			if err != nil {
				return err
			}
			return printState(cmd, st)
		},
	}
	f.register(cmd, "")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func syncUpCmd() *cobra.Command {
	f := &createFlags{}
	cmd := &cobra.Command{
		Use:   "sync-up",
		Short: "Create a sync up and run it",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			desc, err := parseTarget(f.target)
			if err != nil {
				return err
			}
			tgt, err := m.Registry().UpFromJSON(desc)
			if err != nil {
				return err
			}
			st, err := m.SyncUp(cmd.Context(), tgt, f.options(), f.soup, f.name, progressLogger(cmd.Context()))
			if err != nil {
				return err
			}
			return printState(cmd, st)
		},
	}
	f.register(cmd, `{"type":"rest"}`)
	return cmd
}

// runExisting builds a command running an existing sync, given by id or name, through run.
func runExisting(use string, short string, run func(m *sync.Manager, ctx context.Context, id int64, cb sync.Callback) (*sync.SyncState, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			st, err := lookup(cmd.Context(), m, args[0])
			if err != nil {
				return err
			}
			st, err = run(m, cmd.Context(), st.ID, progressLogger(cmd.Context()))
			if err != nil {
				return err
			}
			return printState(cmd, st)
		},
	}
}

func reSyncCmd() *cobra.Command {
	return runExisting("resync", "Run a DONE or FAILED sync again", (*sync.Manager).ReSync)
}

func restartCmd() *cobra.Command {
	return runExisting("restart", "Run a STOPPED, DONE or FAILED sync again", (*sync.Manager).Restart)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id|name>",
		Short: "Print the state of a sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			st, err := lookup(cmd.Context(), m, args[0])
			if err != nil {
				return err
			}
			return printState(cmd, st)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the state of every sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			all, err := m.ListSyncs(cmd.Context())
			if err != nil {
				return err
			}
			docs := make([]map[string]any, 0, len(all))
			for _, st := range all {
				doc, err := st.AsJSON()
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Forget a sync, leaving its records in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			st, err := lookup(cmd.Context(), m, args[0])
			if err != nil {
				return err
			}
			if err := m.DeleteSync(cmd.Context(), st.ID); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": st.ID})
		},
	}
}

func cleanGhostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean-ghosts <id|name>",
		Short: "Delete local records a sync down no longer finds remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			st, err := lookup(cmd.Context(), m, args[0])
			if err != nil {
				return err
			}
			n, err := m.CleanResyncGhosts(cmd.Context(), st.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"syncId": st.ID, "deleted": n})
		},
	}
}

// runOne starts st the way its status allows.
func runOne(ctx context.Context, m *sync.Manager, st *sync.SyncState, cb sync.Callback) (*sync.SyncState, error) {
	switch st.Status {
	case sync.StatusNew:
		return m.Run(ctx, st.ID, cb)
	case sync.StatusStopped:
		return m.Restart(ctx, st.ID, cb)
	default:
		return m.ReSync(ctx, st.ID, cb)
	}
}

func runAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Set up the syncs-file syncs and run them all, concurrency at a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := ctxzap.Extract(ctx)

			defs, err := loadDefinitions(cmd)
			if err != nil {
				return err
			}
			m, err := managerFrom(cmd)
			if err != nil {
				return err
			}
			if _, err := syncconfig.Setup(ctx, m, defs); err != nil {
				return err
			}

			names := defs.Names()
			results := make([]map[string]any, len(names))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(runtimeFrom(ctx).Config().Concurrency)
			for i, name := range names {
				g.Go(func() error {
					st, err := m.GetSyncStatusByName(gctx, name)
					if err != nil {
						return err
					}
					st, err = runOne(gctx, m, st, progressLogger(gctx))
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					if st.Status != sync.StatusDone {
						l.Warn("sync did not finish", zap.String("sync_name", name), zap.String("status", string(st.Status)))
					}
					doc, err := st.AsJSON()
					if err != nil {
						return err
					}
					results[i] = doc
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}
