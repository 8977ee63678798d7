// Command backsync recovers metadata from back-of-photo scans and syncs it
// into the front images' EXIF tags.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"backsync/internal/config"
	"backsync/internal/discover"
	"backsync/internal/exifsync"
	"backsync/internal/geocode"
	"backsync/internal/orchestrate"
	"backsync/internal/report"
	"backsync/internal/transcribe"
	"backsync/internal/watch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("backsync: %v", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	root       string
	output     string
	dryRun     bool
	resume     bool
}

func (o *options) load() (config.Config, error) {
	if o.configPath != "" {
		os.Setenv("CONFIG_PATH", o.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if o.root != "" {
		cfg.RootDir = o.root
	}
	if o.output != "" {
		cfg.ProposalPath = o.output
	}
	if cfg.RootDir == "" {
		return cfg, errors.New("no collection root (use --root or root_dir in config)")
	}
	if _, err := os.Stat(cfg.RootDir); err != nil {
		return cfg, fmt.Errorf("collection root %s: %w", cfg.RootDir, err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "backsync",
		Short:         "recover metadata from back-of-photo scans into EXIF tags",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.root, "root", "", "collection root directory")

	root.AddCommand(newScanCmd(opts))
	root.AddCommand(newApplyCmd(opts))
	root.AddCommand(newDiscoverCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildOrchestrator assembles the pipeline. The geocode cache and checkpoint
// store share the configured sqlite path.
func buildOrchestrator(cfg config.Config, bus *report.Bus, dryRun bool) (*orchestrate.Orchestrator, func(), error) {
	transcriber, err := transcribe.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	cache, err := geocode.OpenCache(cfg.CachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache %s: %w", cfg.CachePath, err)
	}
	checkpoints, err := orchestrate.OpenCheckpoints(cfg.CachePath)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("open checkpoints %s: %w", cfg.CachePath, err)
	}
	cleanup := func() {
		checkpoints.Close()
		cache.Close()
	}
	resolver := geocode.NewResolver(cfg, cache, nil)
	syncer := exifsync.New(cfg, dryRun)
	return orchestrate.New(cfg, transcriber, resolver, syncer, checkpoints, bus), cleanup, nil
}

// logProgress mirrors bus events to the log so long runs show movement.
func logProgress(ctx context.Context, bus *report.Bus) {
	events := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				switch ev.Kind {
				case report.KindFailed:
					log.Printf("progress: failed %s (%s)", ev.Path, ev.Reason)
				case report.KindApplied:
					log.Printf("progress: applied %s", ev.Path)
				}
			}
		}
	}()
}

func newScanCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "discover pairs, extract metadata, write the proposal file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			bus := report.NewBus()
			logProgress(ctx, bus)
			o, cleanup, err := buildOrchestrator(cfg, bus, true)
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := o.Scan(ctx, cfg.RootDir, opts.resume)
			report.Render(cmd.OutOrStdout(), o.Summary())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposal: %s (%d entries)\n", cfg.ProposalPath, len(doc.Entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.output, "output", "", "proposal file path")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "resume an interrupted scan")
	return cmd
}

func newApplyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "write approved proposal entries into the front images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			dryRun := opts.dryRun || cfg.DryRun
			bus := report.NewBus()
			logProgress(ctx, bus)
			o, cleanup, err := buildOrchestrator(cfg, bus, dryRun)
			if err != nil {
				return err
			}
			defer cleanup()

			err = o.Apply(ctx, dryRun)
			report.Render(cmd.OutOrStdout(), o.Summary())
			return err
		},
	}
	cmd.Flags().StringVar(&opts.output, "output", "", "proposal file path")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report what would be written without changing files")
	return cmd
}

func newDiscoverCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "report pairing coverage without processing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			res, err := discover.New(cfg).Discover(cfg.RootDir)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"metric", "value"})
			t.AppendRow(table.Row{"originals", res.TotalOriginals})
			t.AppendRow(table.Row{"with back scans", res.WithBacks})
			t.AppendRow(table.Row{"coverage", fmt.Sprintf("%.1f%%", res.CoveragePct())})
			t.AppendRow(table.Row{"orphan back scans", len(res.Orphans)})

			patterns := make([]string, 0, len(res.PatternCounts))
			for p := range res.PatternCounts {
				patterns = append(patterns, p)
			}
			sort.Strings(patterns)
			if len(patterns) > 0 {
				t.AppendSeparator()
				for _, p := range patterns {
					t.AppendRow(table.Row{"pattern " + p, res.PatternCounts[p]})
				}
			}
			exts := make([]string, 0, len(res.SkippedExtensions))
			for e := range res.SkippedExtensions {
				exts = append(exts, e)
			}
			sort.Strings(exts)
			if len(exts) > 0 {
				t.AppendSeparator()
				for _, e := range exts {
					t.AppendRow(table.Row{"skipped " + e, res.SkippedExtensions[e]})
				}
			}
			t.Render()

			for _, orphan := range res.Orphans {
				fmt.Fprintf(cmd.OutOrStdout(), "orphan: %s\n", orphan)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "watch the collection root and report new back scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			bus := report.NewBus()
			w := watch.New(cfg, bus)
			if err := w.Start(ctx, cfg.RootDir); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}
