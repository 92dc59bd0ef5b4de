package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devinsight/insight/internal/collector"
	"github.com/devinsight/insight/internal/config"
	"github.com/devinsight/insight/internal/sink"
	"github.com/devinsight/insight/internal/source"
	"github.com/devinsight/insight/internal/source/bitbucket"
	"github.com/devinsight/insight/internal/source/github"
	"github.com/devinsight/insight/internal/upstream"
	"github.com/devinsight/insight/internal/watermark"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one incremental collection",
	Long: `Collect fetches everything that changed upstream since the last
recorded run and writes it to the analytical store. The first run against an
empty store is a full fetch. Exit status is zero only when the run completes.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().String("since", "", "collection floor (RFC 3339), overrides config")
	collectCmd.Flags().String("until", "", "collection ceiling (RFC 3339), overrides config")
	collectCmd.Flags().Bool("force-refetch", false, "ignore watermarks and refetch everything")
	collectCmd.Flags().StringSlice("repos", nil, "restrict to PROJECT/slug pairs, overrides config")
}

func runCollect(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetString("since"); v != "" {
		cfg.Collect.Since = v
	}
	if v, _ := cmd.Flags().GetString("until"); v != "" {
		cfg.Collect.Until = v
	}
	if v, _ := cmd.Flags().GetBool("force-refetch"); v {
		cfg.Collect.ForceRefetch = true
	}
	if v, _ := cmd.Flags().GetStringSlice("repos"); len(v) > 0 {
		cfg.Collect.Repositories = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := sink.OpenClickHouse(ctx, cfg.Sink.URL)
	if err != nil {
		return err
	}
	defer ch.Close()
	s := sink.New(ch, cfg.Sink.BatchSize, logrus.NewEntry(logger))

	marks, err := watermark.Open(cfg.Sink.URL)
	if err != nil {
		return err
	}
	defer marks.Close()

	src, bindMapError, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}

	since, _ := cfg.SinceTime()
	until, _ := cfg.UntilTime()
	coll := collector.New(src, s, marks, collector.Options{
		Since:        since,
		Until:        until,
		RepoFilter:   cfg.RepositoryFilter(),
		Branches:     cfg.Collect.Branches,
		ForceRefetch: cfg.Collect.ForceRefetch,
		MaxWorkers:   cfg.Collect.MaxWorkers,
		Settings: map[string]any{
			"upstream_kind": cfg.Upstream.Kind,
			"branches":      cfg.Collect.Branches,
			"since":         cfg.Collect.Since,
			"until":         cfg.Collect.Until,
			"force_refetch": cfg.Collect.ForceRefetch,
			"repositories":  cfg.Collect.Repositories,
			"batch_size":    cfg.Sink.BatchSize,
			"max_workers":   cfg.Collect.MaxWorkers,
			"use_graphql":   cfg.Upstream.UseGraphQL,
		},
	}, nil, logger)
	bindMapError(coll.OnMapError)

	if _, err := coll.Run(ctx); err != nil {
		return fmt.Errorf("collection failed: %w", err)
	}
	return nil
}

// buildSource constructs the adapter for the configured upstream. The
// mapping-error callback is bound later, once the collector exists, through
// the returned setter.
func buildSource(cfg *config.Config, logger *logrus.Logger) (source.Source, func(func(string, error)), error) {
	var onMapError func(string, error)
	forward := func(entity string, err error) {
		if onMapError != nil {
			onMapError(entity, err)
		}
	}
	bind := func(fn func(string, error)) { onMapError = fn }

	entry := logrus.NewEntry(logger)
	harness := upstream.NewHarness(&upstream.RateLimitState{}, cfg.Upstream.RateLimit, cfg.Upstream.MaxRetries, entry)
	opts := source.Options{
		CollectFiles:    cfg.Collect.Files,
		CollectReviews:  cfg.Collect.Reviews,
		CollectComments: cfg.Collect.Comments,
	}

	switch cfg.Upstream.Kind {
	case config.KindGitHub:
		adapter, err := github.New(github.Config{
			Org:        cfg.Upstream.Org,
			Token:      cfg.Upstream.Token,
			BaseURL:    cfg.Upstream.URL,
			UseGraphQL: cfg.Upstream.UseGraphQL,
			Timeout:    cfg.Upstream.RequestTimeout,
			DataSource: cfg.DataSource(),
		}, opts, harness, nil, entry, forward)
		if err != nil {
			return nil, nil, err
		}
		return adapter, bind, nil
	case config.KindBitbucketServer:
		client := bitbucket.NewClient(cfg.Upstream.URL, cfg.Upstream.Token, cfg.Upstream.RequestTimeout, harness)
		return bitbucket.New(client, cfg.DataSource(), opts, nil, entry, forward), bind, nil
	default:
		return nil, nil, fmt.Errorf("unknown upstream.kind %q", cfg.Upstream.Kind)
	}
}
